package freebusy

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const (
	productID      = "-//caldora//free-busy//EN"
	utcFormat      = "20060102T150405Z"
	paramFBType    = "FBTYPE"
	defaultVersion = "2.0"
)

// RenderOptions adjusts the rendered VFREEBUSY.
type RenderOptions struct {
	// Organizer is the calendar user address of the principal, if known.
	Organizer string
	// Stamp is the DTSTAMP; zero means the current time.
	Stamp time.Time
}

// Render builds a VCALENDAR holding one VFREEBUSY that reports intervals
// over [start, end). Each class gets one FREEBUSY property listing its
// periods in order.
func Render(intervals []Interval, start, end time.Time, opts RenderOptions) *ical.Calendar {
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetText(ical.PropUID, uuid.NewString())
	fb.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	fb.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	fb.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	if opts.Organizer != "" {
		org := ical.NewProp(ical.PropOrganizer)
		org.Value = opts.Organizer
		fb.Props.Set(org)
	}

	groups := ByClass(intervals)
	for _, class := range []Class{Busy, BusyTentative, BusyUnavailable} {
		group := groups[class]
		if len(group) == 0 {
			continue
		}
		periods := make([]string, len(group))
		for i, iv := range group {
			periods[i] = iv.Start.UTC().Format(utcFormat) + "/" + iv.End.UTC().Format(utcFormat)
		}
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set(paramFBType, class.String())
		prop.Value = strings.Join(periods, ",")
		fb.Props.Add(prop)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, defaultVersion)
	cal.Children = append(cal.Children, fb)
	return cal
}
