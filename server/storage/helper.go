package storage

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-ical"
)

// ComponentsToICS wraps comps in a VCALENDAR and encodes it.
func ComponentsToICS(comps ...*ical.Component) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Caldora//Go Calendar//EN")
	cal.Children = append(cal.Children, comps...)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}
