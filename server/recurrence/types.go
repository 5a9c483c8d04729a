package recurrence

import (
	"time"

	"github.com/cyp0633/caldora/server/calendar"
)

// Occurrence is one concrete instance of a calendar item. It is derived
// on demand and never stored.
type Occurrence struct {
	UID string
	// RecurrenceID is the instance start the master would generate,
	// before any override moved it.
	RecurrenceID time.Time
	Start        time.Time
	End          time.Time
	AllDay       bool
	// Cancelled is set only by an override with STATUS:CANCELLED, which
	// removes that instance. A cancelled master still has occurrences.
	Cancelled bool
	// Override is set when an override (directly or through
	// RANGE=THISANDFUTURE) shaped this instance.
	Override *calendar.Override
	// Object supplies the instance content: the override's component or the master.
	Object *calendar.Object
}

// Key is the recurrence-id in UTC basic format.
func (o Occurrence) Key() string {
	return o.RecurrenceID.UTC().Format(calendar.RecurrenceIDFormat)
}

// Overlaps reports whether the occurrence intersects [start, end).
func (o Occurrence) Overlaps(start, end time.Time) bool {
	return Overlaps(o.Start, o.End, start, end)
}

// Overlaps reports whether [s, e) intersects [rangeStart, rangeEnd).
// A zero-length span matches when it starts inside the range.
func Overlaps(s, e, rangeStart, rangeEnd time.Time) bool {
	if !e.After(s) {
		return !s.Before(rangeStart) && s.Before(rangeEnd)
	}
	return s.Before(rangeEnd) && e.After(rangeStart)
}
