// Package query evaluates CalDAV calendar-query filters against the
// calendar items of a collection.
package query

import (
	"time"

	"github.com/samber/mo"
)

// Values of the test attribute.
const (
	TestAnyOf = "anyof"
	TestAllOf = "allof"
)

// Match types of a text-match.
const (
	MatchEquals     = "equals"
	MatchContains   = "contains"
	MatchStartsWith = "starts-with"
	MatchEndsWith   = "ends-with"
)

// Collations understood by text-match.
const (
	CollationOctet          = "i;octet"
	CollationASCIICasemap   = "i;ascii-casemap"
	CollationUnicodeCasemap = "i;unicode-casemap"
)

// TextMatch describes a <text-match> constraint.
type TextMatch struct {
	Collation string // "i;unicode-casemap", etc.
	MatchType string // "equals", "contains", ...
	Negate    bool   // true if negate-condition="yes"
	Value     string // text to match
}

// ParamFilter describes a <param-filter> inside a prop-filter.
type ParamFilter struct {
	Name         string     // e.g. "LANGUAGE", "PARTSTAT"
	IsNotDefined bool       // <is-not-defined/>
	TextMatch    *TextMatch // optional
}

// PropFilter describes a <prop-filter> inside a comp-filter.
type PropFilter struct {
	Name         string        // e.g. "SUMMARY", "UID"
	IsNotDefined bool          // <is-not-defined/>
	TimeRange    *TimeRange    // optional, date-time properties only
	TextMatch    *TextMatch    // optional
	ParamFilters []ParamFilter // zero or more <param-filter>
	Test         string        // "allof" (default) or "anyof"
}

// TimeRange describes a <time-range>. A missing bound is open.
type TimeRange struct {
	Start mo.Option[time.Time]
	End   mo.Option[time.Time]
}

// NewTimeRange returns the closed range [start, end).
func NewTimeRange(start, end time.Time) *TimeRange {
	return &TimeRange{Start: mo.Some(start), End: mo.Some(end)}
}

// Bounds returns the range with open ends replaced by the far past and
// future.
func (tr *TimeRange) Bounds() (time.Time, time.Time) {
	return tr.Start.OrElse(farPast), tr.End.OrElse(farFuture)
}

var (
	farPast   = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	farFuture = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Filter is a <comp-filter>. The root filter names VCALENDAR.
type Filter struct {
	Component    string       // Name of component (e.g. "VCALENDAR", "VEVENT")
	IsNotDefined bool         // <is-not-defined/>
	TimeRange    *TimeRange   // optional <time-range>
	PropFilters  []PropFilter // zero or more <prop-filter>
	Children     []Filter     // nested <comp-filter>
	Test         string       // "allof" (default) or "anyof"
}
