package calendar

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

const (
	dateFormat          = "20060102"
	localDateTimeFormat = "20060102T150405"
	utcDateTimeFormat   = "20060102T150405Z"

	paramTZID   = "TZID"
	paramValue  = "VALUE"
	paramRange  = "RANGE"
	paramFBType = "FBTYPE"

	valueDate   = "DATE"
	valuePeriod = "PERIOD"

	rangeThisAndFuture = "THISANDFUTURE"
)

// ParseError reports malformed calendar text.
type ParseError struct {
	UID      string
	Property string
	Msg      string
	Err      error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("calendar: ")
	if e.UID != "" {
		fmt.Fprintf(&b, "uid %s: ", e.UID)
	}
	if e.Property != "" {
		fmt.Fprintf(&b, "%s: ", e.Property)
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// resolver turns DATE / DATE-TIME values into DateTime using the TZID
// parameter, falling back to def for floating values.
type resolver struct {
	def       *time.Location
	timezones map[string]*ical.Component
	cache     map[string]*time.Location
}

func newResolver(def *time.Location, timezones []*ical.Component) *resolver {
	if def == nil {
		def = time.UTC
	}
	r := &resolver{
		def:       def,
		timezones: map[string]*ical.Component{},
		cache:     map[string]*time.Location{},
	}
	for _, tz := range timezones {
		if p := tz.Props.Get(propTZID); p != nil {
			r.timezones[p.Value] = tz
		}
	}
	return r
}

// location resolves tzid by name first, then through the resource's own
// VTIMEZONE, and finally to the default location. A TZID never fails a
// parse.
func (r *resolver) location(tzid string) *time.Location {
	if loc, ok := r.cache[tzid]; ok {
		return loc
	}
	name := strings.Trim(tzid, `"`)
	loc, ok := lookupZone(name)
	if !ok {
		if tz, found := r.timezones[name]; found {
			if l, err := zoneFromVTimezone(tz); err == nil {
				loc, ok = l, true
			}
		}
	}
	if !ok {
		loc = r.def
	}
	r.cache[tzid] = loc
	return loc
}

// value parses a single value of prop.
func (r *resolver) value(prop *ical.Prop, value string) (DateTime, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(prop.Params.Get(paramValue), valueDate) || len(value) == len(dateFormat) {
		t, err := time.ParseInLocation(dateFormat, value, r.def)
		if err != nil {
			return DateTime{}, err
		}
		return DateTime{Time: t, AllDay: true}, nil
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(utcDateTimeFormat, value)
		if err != nil {
			return DateTime{}, err
		}
		return DateTime{Time: t}, nil
	}
	if tzid := prop.Params.Get(paramTZID); tzid != "" {
		loc := r.location(tzid)
		t, err := time.ParseInLocation(localDateTimeFormat, value, loc)
		if err != nil {
			return DateTime{}, err
		}
		dt := DateTime{Time: t}
		if name := strings.Trim(tzid, `"`); name != loc.String() {
			dt.TZID = name
		}
		return dt, nil
	}
	t, err := time.ParseInLocation(localDateTimeFormat, value, r.def)
	if err != nil {
		return DateTime{}, err
	}
	return DateTime{Time: t, Floating: true}, nil
}

func (r *resolver) prop(comp *ical.Component, name string) (mo.Option[DateTime], error) {
	prop := comp.Props.Get(name)
	if prop == nil || prop.Value == "" {
		return mo.None[DateTime](), nil
	}
	dt, err := r.value(prop, prop.Value)
	if err != nil {
		return mo.None[DateTime](), &ParseError{Property: name, Msg: "invalid date value", Err: err}
	}
	return mo.Some(dt), nil
}

// list parses every value of every instance of a multi-valued date property.
func (r *resolver) list(comp *ical.Component, name string) ([]DateTime, error) {
	var out []DateTime
	for _, prop := range comp.Props[name] {
		for _, v := range strings.Split(prop.Value, ",") {
			if v == "" {
				continue
			}
			dt, err := r.value(&prop, v)
			if err != nil {
				return nil, &ParseError{Property: name, Msg: "invalid date value", Err: err}
			}
			out = append(out, dt)
		}
	}
	return out, nil
}

// rdates parses RDATE values, which may be PERIODs.
func (r *resolver) rdates(comp *ical.Component) ([]RDate, error) {
	var out []RDate
	for _, prop := range comp.Props[ical.PropRecurrenceDates] {
		period := strings.EqualFold(prop.Params.Get(paramValue), valuePeriod)
		for _, v := range strings.Split(prop.Value, ",") {
			if v == "" {
				continue
			}
			if period || strings.Contains(v, "/") {
				start, dur, err := r.period(&prop, v)
				if err != nil {
					return nil, &ParseError{Property: ical.PropRecurrenceDates, Msg: "invalid period", Err: err}
				}
				out = append(out, RDate{Start: start, Duration: mo.Some(dur)})
				continue
			}
			dt, err := r.value(&prop, v)
			if err != nil {
				return nil, &ParseError{Property: ical.PropRecurrenceDates, Msg: "invalid date value", Err: err}
			}
			out = append(out, RDate{Start: dt})
		}
	}
	return out, nil
}

// period parses "start/end" or "start/duration".
func (r *resolver) period(prop *ical.Prop, v string) (DateTime, time.Duration, error) {
	startStr, endStr, ok := strings.Cut(v, "/")
	if !ok {
		return DateTime{}, 0, fmt.Errorf("missing '/' in %q", v)
	}
	start, err := r.value(prop, startStr)
	if err != nil {
		return DateTime{}, 0, err
	}
	if strings.HasPrefix(endStr, "P") || strings.HasPrefix(endStr, "+P") || strings.HasPrefix(endStr, "-P") {
		d, err := parseDuration(endStr)
		if err != nil {
			return DateTime{}, 0, err
		}
		return start, d, nil
	}
	end, err := r.value(prop, endStr)
	if err != nil {
		return DateTime{}, 0, err
	}
	return start, end.Time.Sub(start.Time), nil
}

func parseDuration(s string) (time.Duration, error) {
	p := ical.NewProp(ical.PropDuration)
	p.Value = s
	return p.Duration()
}

// formatDuration renders d as an RFC 5545 DURATION value.
func formatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 && days%7 == 0 && d == 0 {
		fmt.Fprintf(&b, "%dW", days/7)
		return b.String()
	}
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if d > 0 || days == 0 {
		b.WriteByte('T')
		h := d / time.Hour
		d -= h * time.Hour
		m := d / time.Minute
		d -= m * time.Minute
		s := d / time.Second
		if h > 0 {
			fmt.Fprintf(&b, "%dH", h)
		}
		if m > 0 {
			fmt.Fprintf(&b, "%dM", m)
		}
		if s > 0 || (h == 0 && m == 0) {
			fmt.Fprintf(&b, "%dS", s)
		}
	}
	return b.String()
}

// formatValue renders dt without parameters.
func formatValue(dt DateTime) string {
	switch {
	case dt.AllDay:
		return dt.Time.Format(dateFormat)
	case dt.Floating:
		return dt.Time.Format(localDateTimeFormat)
	case dt.Time.Location() == time.UTC:
		return dt.Time.Format(utcDateTimeFormat)
	default:
		return dt.Time.Format(localDateTimeFormat)
	}
}

// newDateProp builds a property for one or more values sharing dt's form.
func newDateProp(name string, values ...DateTime) *ical.Prop {
	prop := ical.NewProp(name)
	if len(values) == 0 {
		return prop
	}
	first := values[0]
	switch {
	case first.AllDay:
		prop.Params.Set(paramValue, valueDate)
	case first.Floating, first.Time.Location() == time.UTC:
	default:
		prop.Params.Set(paramTZID, first.zoneName())
	}
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = formatValue(v)
	}
	prop.Value = strings.Join(strs, ",")
	return prop
}

// form groups values that can share one property instance.
func form(dt DateTime) string {
	switch {
	case dt.AllDay:
		return "date"
	case dt.Floating:
		return "floating"
	default:
		return dt.zoneName()
	}
}
