package davclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/internal/xml"
)

const utcFormat = "20060102T150405Z"

// ObjectFilter builds a calendar-query REPORT.
type ObjectFilter interface {
	TimeRange(start, end time.Time) ObjectFilter
	HasAlarm() ObjectFilter
	Priority(priority int) ObjectFilter
	Categories(categories ...string) ObjectFilter
	Status(status string) ObjectFilter
	NotStatus(status string) ObjectFilter
	Summary(summary string) ObjectFilter
	Description(desc string) ObjectFilter
	Location(location string) ObjectFilter
	Organizer(organizer string) ObjectFilter
	Undefined(property string) ObjectFilter
	ETagOnly() ObjectFilter
	Limit(limit int) ObjectFilter
	Do(ctx context.Context) ([]CalendarObject, error)
}

// calendarQuerier is the part of the client objectFilter needs.
type calendarQuerier interface {
	executeCalendarQuery(ctx context.Context, query xml.Property) ([]CalendarObject, error)
}

type textFilter struct {
	property string
	text     string
	negate   bool
}

type objectFilter struct {
	client     calendarQuerier
	objectType string
	timeRange  *TimeRange
	hasAlarm   bool
	texts      []textFilter
	undefined  []string
	etagOnly   bool
	limit      int
	err        error
}

// TimeRange represents a time range filter
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (f *objectFilter) TimeRange(start, end time.Time) ObjectFilter {
	if !end.IsZero() && !end.After(start) {
		f.err = fmt.Errorf("time range end %s is not after start %s", end, start)
	}
	f.timeRange = &TimeRange{Start: start, End: end}
	return f
}

func (f *objectFilter) HasAlarm() ObjectFilter {
	f.hasAlarm = true
	return f
}

func (f *objectFilter) text(property, text string, negate bool) ObjectFilter {
	f.texts = append(f.texts, textFilter{property: property, text: text, negate: negate})
	return f
}

func (f *objectFilter) Priority(priority int) ObjectFilter {
	return f.text(ical.PropPriority, strconv.Itoa(priority), false)
}

// Categories requires every category to appear.
func (f *objectFilter) Categories(categories ...string) ObjectFilter {
	for _, c := range categories {
		f.text(ical.PropCategories, c, false)
	}
	return f
}

func (f *objectFilter) Status(status string) ObjectFilter {
	return f.text(ical.PropStatus, status, false)
}

func (f *objectFilter) NotStatus(status string) ObjectFilter {
	return f.text(ical.PropStatus, status, true)
}

func (f *objectFilter) Summary(summary string) ObjectFilter {
	return f.text(ical.PropSummary, summary, false)
}

func (f *objectFilter) Description(desc string) ObjectFilter {
	return f.text(ical.PropDescription, desc, false)
}

func (f *objectFilter) Location(location string) ObjectFilter {
	return f.text(ical.PropLocation, location, false)
}

func (f *objectFilter) Organizer(organizer string) ObjectFilter {
	return f.text(ical.PropOrganizer, organizer, false)
}

// Undefined matches objects without property.
func (f *objectFilter) Undefined(property string) ObjectFilter {
	f.undefined = append(f.undefined, property)
	return f
}

// ETagOnly leaves calendar data out of the results.
func (f *objectFilter) ETagOnly() ObjectFilter {
	f.etagOnly = true
	return f
}

func (f *objectFilter) Limit(limit int) ObjectFilter {
	f.limit = limit
	return f
}

func caldav(name string, children ...xml.Property) xml.Property {
	return xml.Property{Namespace: xml.CalDAV, Name: name, Children: children}
}

func timeRangeProperty(tr TimeRange) xml.Property {
	p := caldav("time-range")
	if !tr.Start.IsZero() {
		p.SetAttr("start", tr.Start.UTC().Format(utcFormat))
	}
	if !tr.End.IsZero() {
		p.SetAttr("end", tr.End.UTC().Format(utcFormat))
	}
	return p
}

// buildCalendarQuery converts the filter to a calendar-query element.
func (f *objectFilter) buildCalendarQuery() xml.Property {
	inner := caldav("comp-filter")
	inner.SetAttr("name", f.objectType)
	if f.timeRange != nil {
		inner.Children = append(inner.Children, timeRangeProperty(*f.timeRange))
	}
	for _, t := range f.texts {
		match := xml.NewProperty(xml.CalDAV, "text-match", t.text)
		if t.negate {
			match.SetAttr("negate-condition", "yes")
		}
		pf := caldav("prop-filter", match)
		pf.SetAttr("name", t.property)
		inner.Children = append(inner.Children, pf)
	}
	for _, name := range f.undefined {
		pf := caldav("prop-filter", caldav("is-not-defined"))
		pf.SetAttr("name", name)
		inner.Children = append(inner.Children, pf)
	}
	if f.hasAlarm {
		alarm := caldav("comp-filter")
		alarm.SetAttr("name", ical.CompAlarm)
		inner.Children = append(inner.Children, alarm)
	}

	outer := caldav("comp-filter", inner)
	outer.SetAttr("name", ical.CompCalendar)

	prop := xml.Property{Namespace: xml.DAV, Name: xml.TagProp, Children: []xml.Property{xml.EmptyProperty(xml.Name(xml.DAV, "getetag"))}}
	if !f.etagOnly {
		prop.Children = append(prop.Children, caldav(xml.TagCalendarData))
	}
	return caldav("calendar-query", prop, caldav("filter", outer))
}

// Do executes the filter and returns the matching objects.
func (f *objectFilter) Do(ctx context.Context) ([]CalendarObject, error) {
	if f.err != nil {
		return nil, f.err
	}
	objects, err := f.client.executeCalendarQuery(ctx, f.buildCalendarQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to execute calendar query: %w", err)
	}
	if f.limit > 0 && len(objects) > f.limit {
		objects = objects[:f.limit]
	}
	return objects, nil
}
