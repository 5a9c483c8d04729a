package calendar

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/emersion/go-ical"
	"github.com/zeebo/blake3"
)

const ProductID = "-//Caldora//Go Calendar//EN"

// semanticProps are rendered from Object fields rather than copied from
// the source component.
var semanticProps = []string{
	ical.PropUID, ical.PropSummary, ical.PropDescription, ical.PropLocation,
	ical.PropStatus, ical.PropTransparency, ical.PropSequence,
	ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropDue, ical.PropDuration,
	ical.PropRecurrenceRule, ical.PropExceptionDates, ical.PropRecurrenceDates,
	ical.PropRecurrenceID, ical.PropFreeBusy,
}

// Serialize renders item as iCalendar text.
func Serialize(item *Item) (string, error) {
	cal, err := ToCalendar(item)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

// ToCalendar builds the VCALENDAR for item.
func ToCalendar(item *Item) (*ical.Calendar, error) {
	if item == nil || item.Master == nil {
		return nil, &ParseError{Msg: "item has no master instance"}
	}
	cal := ical.NewCalendar()
	for name, props := range item.Props {
		cal.Props[name] = slices.Clone(props)
	}
	if cal.Props.Get(ical.PropVersion) == nil {
		cal.Props.SetText(ical.PropVersion, "2.0")
	}
	if cal.Props.Get(ical.PropProductID) == nil {
		cal.Props.SetText(ical.PropProductID, ProductID)
	}
	kind := item.Kind
	if kind == "" {
		kind = ical.CompEvent
	}

	cal.Children = append(cal.Children, item.Timezones...)
	cal.Children = append(cal.Children, encodeObject(kind, item.Master, nil))
	ovs := slices.Clone(item.Overrides)
	sortOverrides(ovs)
	for _, ov := range ovs {
		cal.Children = append(cal.Children, encodeObject(kind, ov.Object, ov))
	}
	cal.Children = append(cal.Children, item.Extra...)
	return cal, nil
}

func encodeObject(kind string, obj *Object, ov *Override) *ical.Component {
	comp := ical.NewComponent(kind)
	if obj.Component != nil {
		for _, name := range slices.Sorted(maps.Keys(obj.Component.Props)) {
			if slices.Contains(semanticProps, name) {
				continue
			}
			comp.Props[name] = slices.Clone(obj.Component.Props[name])
		}
		comp.Children = append(comp.Children, obj.Component.Children...)
	}

	comp.Props.SetText(ical.PropUID, obj.UID)
	setText(comp, ical.PropSummary, obj.Summary)
	setText(comp, ical.PropDescription, obj.Description)
	setText(comp, ical.PropLocation, obj.Location)
	setValue(comp, ical.PropStatus, obj.Status)
	setValue(comp, ical.PropTransparency, obj.Transparency)
	if obj.Sequence != 0 {
		setValue(comp, ical.PropSequence, strconv.Itoa(obj.Sequence))
	}

	if !obj.Start.IsZero() {
		comp.Props.Set(newDateProp(ical.PropDateTimeStart, obj.Start))
		if comp.Props.Get(ical.PropDateTimeStamp) == nil {
			comp.Props.SetDateTime(ical.PropDateTimeStamp, obj.Start.Time.UTC())
		}
	}
	if end, ok := obj.End.Get(); ok {
		comp.Props.Set(newDateProp(ical.PropDateTimeEnd, end))
	}
	if due, ok := obj.Due.Get(); ok {
		comp.Props.Set(newDateProp(ical.PropDue, due))
	}
	if d, ok := obj.Duration.Get(); ok {
		setValue(comp, ical.PropDuration, formatDuration(d))
	}
	if obj.Rule != nil {
		setValue(comp, ical.PropRecurrenceRule, obj.Rule.String())
	}
	addDateList(comp, ical.PropExceptionDates, obj.ExDates)
	for _, rd := range obj.RDates {
		if d, ok := rd.Duration.Get(); ok {
			prop := newDateProp(ical.PropRecurrenceDates, rd.Start)
			prop.Params.Set(paramValue, valuePeriod)
			prop.Value += "/" + formatDuration(d)
			comp.Props.Add(prop)
			continue
		}
		comp.Props.Add(newDateProp(ical.PropRecurrenceDates, rd.Start))
	}
	for _, fb := range obj.FreeBusy {
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set(paramFBType, fb.Type)
		prop.Value = fb.Start.UTC().Format(utcDateTimeFormat) + "/" + fb.End.UTC().Format(utcDateTimeFormat)
		comp.Props.Add(prop)
	}
	if ov != nil {
		prop := newDateProp(ical.PropRecurrenceID, ov.RecurrenceID)
		if ov.ThisAndFuture {
			prop.Params.Set(paramRange, rangeThisAndFuture)
		}
		comp.Props.Set(prop)
	}
	return comp
}

func addDateList(comp *ical.Component, name string, values []DateTime) {
	groups := map[string][]DateTime{}
	var order []string
	for _, v := range values {
		k := form(v)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], v)
	}
	for _, k := range order {
		comp.Props.Add(newDateProp(name, groups[k]...))
	}
}

func setText(comp *ical.Component, name, value string) {
	if value != "" {
		comp.Props.SetText(name, value)
	}
}

func setValue(comp *ical.Component, name, value string) {
	if value == "" {
		return
	}
	prop := ical.NewProp(name)
	prop.Value = value
	comp.Props.Set(prop)
}

// Source returns the text the item was parsed from, if any.
func (it *Item) Source() string { return it.source }

// Fingerprint identifies the content of item. Items parsed from the same
// text share a fingerprint.
func (it *Item) Fingerprint() string {
	text := it.source
	if text == "" {
		var err error
		if text, err = Serialize(it); err != nil {
			return ""
		}
	}
	sum := blake3.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum[:16])
}
