// Package freebusy aggregates calendar occurrences into busy time.
package freebusy

import (
	"slices"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
)

// Class is the busy classification of a span. Higher classes win where
// spans overlap.
type Class int

const (
	Free Class = iota
	BusyUnavailable
	BusyTentative
	Busy
)

// String returns the FBTYPE parameter value of c.
func (c Class) String() string {
	switch c {
	case Busy:
		return calendar.FBTypeBusy
	case BusyTentative:
		return calendar.FBTypeBusyTentative
	case BusyUnavailable:
		return calendar.FBTypeBusyUnavailable
	default:
		return calendar.FBTypeFree
	}
}

// ParseClass maps an FBTYPE value to a class. An empty value is Busy.
func ParseClass(fbType string) (Class, bool) {
	switch fbType {
	case "", calendar.FBTypeBusy:
		return Busy, true
	case calendar.FBTypeBusyTentative:
		return BusyTentative, true
	case calendar.FBTypeBusyUnavailable:
		return BusyUnavailable, true
	case calendar.FBTypeFree:
		return Free, true
	}
	return Free, false
}

// Interval is a half-open span [Start, End) with one class.
type Interval struct {
	Start time.Time
	End   time.Time
	Class Class
}

type boundary struct {
	at    time.Time
	class Class
	delta int
}

// Merge flattens possibly overlapping spans into ordered, non-overlapping
// intervals. Every elementary segment takes the highest class covering it
// and touching segments of the same class are joined. Free and empty spans
// are dropped. The result depends only on the set of spans, not their order.
func Merge(spans []Interval) []Interval {
	bounds := make([]boundary, 0, 2*len(spans))
	for _, s := range spans {
		if s.Class == Free || !s.End.After(s.Start) {
			continue
		}
		bounds = append(bounds, boundary{s.Start, s.Class, 1}, boundary{s.End, s.Class, -1})
	}
	slices.SortFunc(bounds, func(a, b boundary) int { return a.at.Compare(b.at) })

	var (
		out    []Interval
		active [Busy + 1]int
		prev   time.Time
	)
	for i := 0; i < len(bounds); {
		at := bounds[i].at
		if top := highest(active); top != Free && at.After(prev) {
			out = appendSegment(out, Interval{Start: prev, End: at, Class: top})
		}
		for ; i < len(bounds) && bounds[i].at.Equal(at); i++ {
			active[bounds[i].class] += bounds[i].delta
		}
		prev = at
	}
	return out
}

func highest(active [Busy + 1]int) Class {
	for c := Busy; c > Free; c-- {
		if active[c] > 0 {
			return c
		}
	}
	return Free
}

func appendSegment(out []Interval, seg Interval) []Interval {
	if n := len(out); n > 0 && out[n-1].Class == seg.Class && out[n-1].End.Equal(seg.Start) {
		out[n-1].End = seg.End
		return out
	}
	return append(out, seg)
}

// Clamp trims iv to [start, end). ok is false when nothing remains.
func Clamp(iv Interval, start, end time.Time) (Interval, bool) {
	if iv.Start.Before(start) {
		iv.Start = start
	}
	if iv.End.After(end) {
		iv.End = end
	}
	return iv, iv.End.After(iv.Start)
}

// ByClass groups intervals per class, ordered by start inside each group.
func ByClass(intervals []Interval) map[Class][]Interval {
	out := make(map[Class][]Interval)
	for _, iv := range intervals {
		out[iv.Class] = append(out[iv.Class], iv)
	}
	for _, group := range out {
		slices.SortFunc(group, func(a, b Interval) int { return a.Start.Compare(b.Start) })
	}
	return out
}
