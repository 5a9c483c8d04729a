package calendar

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

// ParseOptions tunes Parse.
type ParseOptions struct {
	// DefaultLocation resolves floating values and DATE values. It is
	// usually the time zone of the enclosing calendar collection.
	DefaultLocation *time.Location
}

// ParseOption configures Parse.
type ParseOption func(*ParseOptions)

// WithDefaultLocation sets the location used for floating times.
func WithDefaultLocation(loc *time.Location) ParseOption {
	return func(o *ParseOptions) {
		if loc != nil {
			o.DefaultLocation = loc
		}
	}
}

var calendarComponents = []string{ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy}

// Parse decodes one calendar resource.
func Parse(text string, opts ...ParseOption) (*Item, error) {
	dec := ical.NewDecoder(strings.NewReader(text))
	cal, err := dec.Decode()
	if err != nil {
		return nil, &ParseError{Msg: "failed to decode calendar", Err: err}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		return nil, &ParseError{Msg: "resource holds more than one VCALENDAR"}
	}
	item, err := FromCalendar(cal, opts...)
	if err != nil {
		return nil, err
	}
	item.source = text
	return item, nil
}

// FromCalendar builds an Item from a decoded VCALENDAR.
func FromCalendar(cal *ical.Calendar, opts ...ParseOption) (*Item, error) {
	o := ParseOptions{DefaultLocation: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}
	if cal == nil || cal.Component == nil || cal.Name != ical.CompCalendar {
		return nil, &ParseError{Msg: "not a VCALENDAR"}
	}

	item := &Item{Props: cal.Props}
	var comps []*ical.Component
	for _, child := range cal.Children {
		switch {
		case child.Name == ical.CompTimezone:
			item.Timezones = append(item.Timezones, child)
		case slices.Contains(calendarComponents, child.Name):
			comps = append(comps, child)
		default:
			item.Extra = append(item.Extra, child)
		}
	}
	if len(comps) == 0 {
		return nil, &ParseError{Msg: "no calendar component"}
	}

	item.Kind = comps[0].Name
	res := newResolver(o.DefaultLocation, item.Timezones)
	for _, comp := range comps {
		uid, err := comp.Props.Text(ical.PropUID)
		if err != nil || uid == "" {
			return nil, &ParseError{Property: ical.PropUID, Msg: "missing UID"}
		}
		if comp.Name != item.Kind {
			return nil, &ParseError{UID: uid, Msg: fmt.Sprintf("mixed component types %s and %s", item.Kind, comp.Name)}
		}
		if item.UID == "" {
			item.UID = uid
		} else if item.UID != uid {
			return nil, &ParseError{UID: uid, Msg: fmt.Sprintf("resource mixes UIDs %s and %s", item.UID, uid)}
		}

		if comp.Props.Get(ical.PropRecurrenceID) == nil {
			if item.Master != nil {
				return nil, &ParseError{UID: uid, Msg: "more than one master instance"}
			}
			obj, err := parseObject(comp, res, nil)
			if err != nil {
				return nil, withUID(err, uid)
			}
			item.Master = obj
		}
	}
	if item.Master == nil {
		return nil, &ParseError{UID: item.UID, Msg: "missing master instance"}
	}

	loc := item.Master.Loc()
	seen := map[string]bool{}
	for _, comp := range comps {
		prop := comp.Props.Get(ical.PropRecurrenceID)
		if prop == nil {
			continue
		}
		rid, err := res.value(prop, prop.Value)
		if err != nil {
			return nil, &ParseError{UID: item.UID, Property: ical.PropRecurrenceID, Msg: "invalid date value", Err: err}
		}
		rid = rid.In(loc)
		if seen[rid.Key()] {
			return nil, &ParseError{UID: item.UID, Property: ical.PropRecurrenceID, Msg: "duplicate override " + rid.Key()}
		}
		seen[rid.Key()] = true
		obj, err := parseObject(comp, res, loc)
		if err != nil {
			return nil, withUID(err, item.UID)
		}
		item.Overrides = append(item.Overrides, &Override{
			RecurrenceID:  rid,
			ThisAndFuture: strings.EqualFold(prop.Params.Get(paramRange), rangeThisAndFuture),
			Object:        obj,
		})
	}
	sortOverrides(item.Overrides)
	return item, nil
}

func sortOverrides(ovs []*Override) {
	slices.SortFunc(ovs, func(a, b *Override) int {
		return a.RecurrenceID.Time.Compare(b.RecurrenceID.Time)
	})
}

func withUID(err error, uid string) error {
	var pe *ParseError
	if errors.As(err, &pe) && pe.UID == "" {
		pe.UID = uid
	}
	return err
}

// parseObject reads the semantic fields of comp. When loc is nil the
// object's own DTSTART decides the location.
func parseObject(comp *ical.Component, res *resolver, loc *time.Location) (*Object, error) {
	obj := &Object{Component: comp}
	obj.UID, _ = comp.Props.Text(ical.PropUID)
	obj.Summary, _ = comp.Props.Text(ical.PropSummary)
	obj.Description, _ = comp.Props.Text(ical.PropDescription)
	obj.Location, _ = comp.Props.Text(ical.PropLocation)
	if p := comp.Props.Get(ical.PropStatus); p != nil {
		obj.Status = strings.ToUpper(p.Value)
	}
	if p := comp.Props.Get(ical.PropTransparency); p != nil {
		obj.Transparency = strings.ToUpper(p.Value)
	}
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		n, err := strconv.Atoi(strings.TrimSpace(p.Value))
		if err != nil {
			return nil, &ParseError{Property: ical.PropSequence, Msg: "not an integer", Err: err}
		}
		obj.Sequence = n
	}

	start, err := res.prop(comp, ical.PropDateTimeStart)
	if err != nil {
		return nil, err
	}
	switch {
	case start.IsPresent():
		obj.Start = start.MustGet()
	case comp.Name == ical.CompEvent:
		return nil, &ParseError{Property: ical.PropDateTimeStart, Msg: "missing start"}
	}
	if loc == nil {
		loc = obj.Loc()
	}
	obj.Start = obj.Start.In(loc)

	end, err := res.prop(comp, endProperty(comp.Name))
	if err != nil {
		return nil, err
	}
	if end.IsPresent() {
		if comp.Name == ical.CompToDo {
			obj.Due = mo.Some(end.MustGet().In(loc))
		} else {
			obj.End = mo.Some(end.MustGet().In(loc))
		}
	}
	if p := comp.Props.Get(ical.PropDuration); p != nil {
		if end.IsPresent() {
			return nil, &ParseError{Property: ical.PropDuration, Msg: "both " + endProperty(comp.Name) + " and DURATION"}
		}
		d, err := p.Duration()
		if err != nil {
			return nil, &ParseError{Property: ical.PropDuration, Msg: "invalid duration", Err: err}
		}
		obj.Duration = mo.Some(d)
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil && p.Value != "" {
		if obj.Start.IsZero() {
			return nil, &ParseError{Property: ical.PropRecurrenceRule, Msg: "recurrence rule without start"}
		}
		rule, err := parseRule(p.Value, obj.Start)
		if err != nil {
			return nil, err
		}
		obj.Rule = rule
	}
	if obj.ExDates, err = res.list(comp, ical.PropExceptionDates); err != nil {
		return nil, err
	}
	for i := range obj.ExDates {
		obj.ExDates[i] = obj.ExDates[i].In(loc)
	}
	if obj.RDates, err = res.rdates(comp); err != nil {
		return nil, err
	}
	for i := range obj.RDates {
		obj.RDates[i].Start = obj.RDates[i].Start.In(loc)
	}
	if comp.Name == ical.CompFreeBusy {
		if obj.FreeBusy, err = parseFreeBusy(comp, res); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func endProperty(compName string) string {
	if compName == ical.CompToDo {
		return ical.PropDue
	}
	return ical.PropDateTimeEnd
}

func parseRule(value string, start DateTime) (*Rule, error) {
	opt, err := rrule.StrToROptionInLocation(value, start.Time.Location())
	if err != nil {
		return nil, &ParseError{Property: ical.PropRecurrenceRule, Msg: "invalid rule", Err: err}
	}
	if opt.Count > 0 && !opt.Until.IsZero() {
		return nil, &ParseError{Property: ical.PropRecurrenceRule, Msg: "COUNT and UNTIL are mutually exclusive"}
	}
	if opt.Count < 0 || opt.Interval < 0 {
		return nil, &ParseError{Property: ical.PropRecurrenceRule, Msg: "negative COUNT or INTERVAL"}
	}
	opt.Dtstart = time.Time{}
	check := *opt
	check.Dtstart = start.Time
	if _, err := rrule.NewRRule(check); err != nil {
		return nil, &ParseError{Property: ical.PropRecurrenceRule, Msg: "invalid rule", Err: err}
	}
	return &Rule{Options: *opt, AllDay: start.AllDay}, nil
}

func parseFreeBusy(comp *ical.Component, res *resolver) ([]FreeBusyPeriod, error) {
	var out []FreeBusyPeriod
	for _, prop := range comp.Props[ical.PropFreeBusy] {
		fbType := strings.ToUpper(prop.Params.Get(paramFBType))
		if fbType == "" {
			fbType = FBTypeBusy
		}
		for _, v := range strings.Split(prop.Value, ",") {
			if v == "" {
				continue
			}
			start, d, err := res.period(&prop, v)
			if err != nil {
				return nil, &ParseError{Property: ical.PropFreeBusy, Msg: "invalid period", Err: err}
			}
			out = append(out, FreeBusyPeriod{Start: start.Time, End: start.Time.Add(d), Type: fbType})
		}
	}
	return out, nil
}
