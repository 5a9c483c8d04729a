package calendar

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

const (
	StatusTentative = "TENTATIVE"
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"

	TranspOpaque      = "OPAQUE"
	TranspTransparent = "TRANSPARENT"

	FBTypeFree            = "FREE"
	FBTypeBusy            = "BUSY"
	FBTypeBusyTentative   = "BUSY-TENTATIVE"
	FBTypeBusyUnavailable = "BUSY-UNAVAILABLE"

	// RecurrenceIDFormat is the UTC basic format used to order and key instances.
	RecurrenceIDFormat = "20060102T150405Z"
)

// DateTime is a DATE or DATE-TIME value. Time carries the resolved
// location; Floating marks values that had neither TZID nor a Z suffix.
// TZID keeps the original parameter when it does not name Time's
// location, so it can be written back unchanged.
type DateTime struct {
	Time     time.Time
	AllDay   bool
	Floating bool
	TZID     string
}

func (d DateTime) IsZero() bool { return d.Time.IsZero() }

// In returns d with its instant expressed in loc. Dates and floating
// values keep their wall clock.
func (d DateTime) In(loc *time.Location) DateTime {
	if d.AllDay || d.Floating {
		y, m, day := d.Time.Date()
		hh, mm, ss := d.Time.Clock()
		d.Time = time.Date(y, m, day, hh, mm, ss, 0, loc)
		return d
	}
	if loc != d.Time.Location() {
		d.TZID = ""
	}
	d.Time = d.Time.In(loc)
	return d
}

func (d DateTime) zoneName() string {
	if d.TZID != "" {
		return d.TZID
	}
	return d.Time.Location().String()
}

// Key is the UTC basic-format string of the instant.
func (d DateTime) Key() string { return d.Time.UTC().Format(RecurrenceIDFormat) }

// RDate is an added instance, either a start or a PERIOD.
type RDate struct {
	Start    DateTime
	Duration mo.Option[time.Duration]
}

// Termination tells how a recurrence rule ends.
type Termination int

const (
	TerminatesNever Termination = iota
	TerminatesCount
	TerminatesUntil
)

// Rule is a parsed RRULE. Options never carry a Dtstart; the expander
// supplies one.
type Rule struct {
	Options rrule.ROption
	// AllDay renders UNTIL as a DATE.
	AllDay bool
}

func (r *Rule) Termination() Termination {
	switch {
	case r.Options.Count > 0:
		return TerminatesCount
	case !r.Options.Until.IsZero():
		return TerminatesUntil
	default:
		return TerminatesNever
	}
}

// String renders the rule as an RRULE value without DTSTART.
func (r *Rule) String() string {
	opt := r.Options
	opt.Dtstart = time.Time{}
	s := opt.RRuleString()
	if r.AllDay && !opt.Until.IsZero() {
		parts := strings.Split(s, ";")
		for i, p := range parts {
			if strings.HasPrefix(p, "UNTIL=") {
				parts[i] = "UNTIL=" + opt.Until.Format(dateFormat)
			}
		}
		s = strings.Join(parts, ";")
	}
	return s
}

// FreeBusyPeriod is one FREEBUSY value of a VFREEBUSY component.
type FreeBusyPeriod struct {
	Start time.Time
	End   time.Time
	Type  string
}

// Object holds the semantic fields of one component. Component keeps the
// source properties that have no dedicated field.
type Object struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Start        DateTime
	End          mo.Option[DateTime]
	Duration     mo.Option[time.Duration]
	Due          mo.Option[DateTime]
	Rule         *Rule
	ExDates      []DateTime
	RDates       []RDate
	Status       string
	Transparency string
	Sequence     int
	FreeBusy     []FreeBusyPeriod
	Component    *ical.Component
}

// Loc is the location every timestamp of the object is resolved in.
func (o *Object) Loc() *time.Location {
	if o.Start.IsZero() {
		return time.UTC
	}
	return o.Start.Time.Location()
}

// Recurring reports whether the object generates more than its own start.
func (o *Object) Recurring() bool {
	return o.Rule != nil || len(o.RDates) > 0
}

func (o *Object) Cancelled() bool { return strings.EqualFold(o.Status, StatusCancelled) }

func (o *Object) Tentative() bool { return strings.EqualFold(o.Status, StatusTentative) }

func (o *Object) Transparent() bool { return strings.EqualFold(o.Transparency, TranspTransparent) }

// EffectiveDuration returns the span of one instance. Timed components
// without an end last zero, all-day ones a day; a negative span clamps to zero.
func (o *Object) EffectiveDuration() time.Duration {
	var d time.Duration
	switch {
	case o.End.IsPresent():
		d = o.End.MustGet().Time.Sub(o.Start.Time)
	case o.Duration.IsPresent():
		d = o.Duration.MustGet()
	case o.Due.IsPresent() && !o.Start.IsZero():
		d = o.Due.MustGet().Time.Sub(o.Start.Time)
	case o.Start.AllDay:
		d = 24 * time.Hour
	}
	if d < 0 {
		return 0
	}
	return d
}

// Override is a modified or cancelled instance of a recurring master.
type Override struct {
	RecurrenceID  DateTime
	ThisAndFuture bool
	Object        *Object
}

// Item is one calendar resource: a master and its overrides.
type Item struct {
	Kind      string
	UID       string
	Master    *Object
	Overrides []*Override
	Timezones []*ical.Component
	Extra     []*ical.Component
	Props     ical.Props

	source string
}

// Override returns the override with the given recurrence-id key.
func (it *Item) Override(key string) (*Override, bool) {
	for _, ov := range it.Overrides {
		if ov.RecurrenceID.Key() == key {
			return ov, true
		}
	}
	return nil, false
}

// Recurring reports whether the item has more than a single instance.
func (it *Item) Recurring() bool {
	return it.Master != nil && (it.Master.Recurring() || len(it.Overrides) > 0)
}

// Components returns the master followed by the override components.
func (it *Item) Components() []*Object {
	objs := make([]*Object, 0, 1+len(it.Overrides))
	if it.Master != nil {
		objs = append(objs, it.Master)
	}
	for _, ov := range it.Overrides {
		objs = append(objs, ov.Object)
	}
	return objs
}
