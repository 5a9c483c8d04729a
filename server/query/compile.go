package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cyp0633/caldora/server/storage"
	"github.com/emersion/go-ical"
)

// Expr is a compiled filter node. Evaluation short-circuits.
type Expr interface {
	eval(e *env, s scope) bool
	String() string
}

// And holds when every operand holds.
type And []Expr

// Or holds when any operand holds.
type Or []Expr

// Not negates its operand.
type Not struct{ X Expr }

// True always holds.
type True struct{}

// HasComponent holds when a child component named Name satisfies Cond.
type HasComponent struct {
	Name string
	Cond Expr
}

// PropertyPredicate holds when a property named Name satisfies Cond.
type PropertyPredicate struct {
	Name string
	Cond Expr
}

// ParamPredicate holds when a parameter of the current property
// satisfies Cond.
type ParamPredicate struct {
	Name string
	Cond Expr
}

// TextPredicate matches the current property or parameter value.
type TextPredicate struct {
	Match TextMatch
}

// TimeRangePredicate holds when the current component has an instance,
// or the current property a value, inside Range.
type TimeRangePredicate struct {
	Range TimeRange
}

func (x And) String() string { return join("and", x) }
func (x Or) String() string  { return join("or", x) }
func (x Not) String() string { return "not(" + x.X.String() + ")" }
func (True) String() string  { return "true" }
func (x HasComponent) String() string {
	return fmt.Sprintf("comp(%s, %s)", x.Name, x.Cond)
}
func (x PropertyPredicate) String() string {
	return fmt.Sprintf("prop(%s, %s)", x.Name, x.Cond)
}
func (x ParamPredicate) String() string {
	return fmt.Sprintf("param(%s, %s)", x.Name, x.Cond)
}
func (x TextPredicate) String() string {
	neg := ""
	if x.Match.Negate {
		neg = "!"
	}
	return fmt.Sprintf("text(%s%s %q %s)", neg, x.Match.MatchType, x.Match.Value, x.Match.Collation)
}
func (x TimeRangePredicate) String() string {
	s, e := x.Range.Bounds()
	return fmt.Sprintf("time(%s, %s)", s.Format(timeRangeFormat), e.Format(timeRangeFormat))
}

func join(op string, xs []Expr) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = x.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// combine joins conditions according to a test attribute.
func combine(test string, conds []Expr) Expr {
	switch len(conds) {
	case 0:
		return True{}
	case 1:
		return conds[0]
	}
	if test == TestAnyOf {
		return Or(conds)
	}
	return And(conds)
}

// timedComponents are the components a time-range may apply to.
var timedComponents = []string{ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy}

// Compiled is a filter ready for evaluation.
type Compiled struct {
	Expr Expr
	// Window is the time-range of the top-level component filter, used to
	// report matching occurrences.
	Window *TimeRange
}

// Compile turns the root VCALENDAR filter into an expression.
func Compile(f *Filter) (*Compiled, error) {
	if f == nil {
		return nil, badRequest("missing filter")
	}
	if f.Component != ical.CompCalendar {
		return nil, badRequest("root comp-filter must be VCALENDAR, got %q", f.Component)
	}
	if f.IsNotDefined {
		return nil, badRequest("VCALENDAR cannot be undefined")
	}
	if f.TimeRange != nil {
		return nil, badRequest("time-range is not allowed on VCALENDAR")
	}
	conds, err := compileConditions(f, 0)
	if err != nil {
		return nil, err
	}
	c := &Compiled{Expr: combine(f.Test, conds)}
	for _, child := range f.Children {
		if child.TimeRange != nil && !child.IsNotDefined {
			c.Window = child.TimeRange
			break
		}
	}
	return c, nil
}

// compileConditions compiles the tests inside a comp-filter.
func compileConditions(f *Filter, depth int) ([]Expr, error) {
	if err := checkTest(f.Test); err != nil {
		return nil, err
	}
	var conds []Expr
	if f.TimeRange != nil {
		if !slices.Contains(timedComponents, f.Component) || depth != 1 {
			return nil, badRequest("time-range is not supported on %s", f.Component)
		}
		if err := checkRange(f.TimeRange); err != nil {
			return nil, err
		}
		conds = append(conds, TimeRangePredicate{Range: *f.TimeRange})
	}
	for i := range f.PropFilters {
		x, err := compileProp(&f.PropFilters[i])
		if err != nil {
			return nil, err
		}
		conds = append(conds, x)
	}
	for i := range f.Children {
		x, err := compileComp(&f.Children[i], depth+1)
		if err != nil {
			return nil, err
		}
		conds = append(conds, x)
	}
	return conds, nil
}

func compileComp(f *Filter, depth int) (Expr, error) {
	if f.Component == "" {
		return nil, badRequest("comp-filter without name")
	}
	if f.IsNotDefined {
		if f.TimeRange != nil || len(f.PropFilters) > 0 || len(f.Children) > 0 {
			return nil, badRequest("is-not-defined on %s cannot be combined with other tests", f.Component)
		}
		return Not{HasComponent{Name: f.Component, Cond: True{}}}, nil
	}
	conds, err := compileConditions(f, depth)
	if err != nil {
		return nil, err
	}
	// A time-range always constrains the component; test only
	// combines the nested filters.
	if f.TimeRange != nil && len(conds) > 1 {
		return HasComponent{Name: f.Component, Cond: And{conds[0], combine(f.Test, conds[1:])}}, nil
	}
	return HasComponent{Name: f.Component, Cond: combine(f.Test, conds)}, nil
}

func compileProp(pf *PropFilter) (Expr, error) {
	if err := checkTest(pf.Test); err != nil {
		return nil, err
	}
	if pf.IsNotDefined {
		if pf.TimeRange != nil || pf.TextMatch != nil || len(pf.ParamFilters) > 0 {
			return nil, badRequest("is-not-defined on %s cannot be combined with other tests", pf.Name)
		}
		return Not{PropertyPredicate{Name: pf.Name, Cond: True{}}}, nil
	}
	if pf.TimeRange != nil && pf.TextMatch != nil {
		return nil, badRequest("prop-filter %s cannot hold both time-range and text-match", pf.Name)
	}

	var conds []Expr
	if pf.TimeRange != nil {
		if err := checkRange(pf.TimeRange); err != nil {
			return nil, err
		}
		conds = append(conds, TimeRangePredicate{Range: *pf.TimeRange})
	}
	if pf.TextMatch != nil {
		x, err := compileText(pf.TextMatch)
		if err != nil {
			return nil, err
		}
		conds = append(conds, x)
	}
	for i := range pf.ParamFilters {
		x, err := compileParam(&pf.ParamFilters[i])
		if err != nil {
			return nil, err
		}
		conds = append(conds, x)
	}
	return PropertyPredicate{Name: pf.Name, Cond: combine(pf.Test, conds)}, nil
}

func compileParam(p *ParamFilter) (Expr, error) {
	if p.IsNotDefined {
		if p.TextMatch != nil {
			return nil, badRequest("is-not-defined on parameter %s cannot be combined with text-match", p.Name)
		}
		return Not{ParamPredicate{Name: p.Name, Cond: True{}}}, nil
	}
	if p.TextMatch == nil {
		return ParamPredicate{Name: p.Name, Cond: True{}}, nil
	}
	x, err := compileText(p.TextMatch)
	if err != nil {
		return nil, err
	}
	return ParamPredicate{Name: p.Name, Cond: x}, nil
}

func compileText(tm *TextMatch) (Expr, error) {
	m := *tm
	if m.Collation == "" {
		m.Collation = CollationASCIICasemap
	}
	if m.MatchType == "" {
		m.MatchType = MatchContains
	}
	switch m.Collation {
	case CollationOctet, CollationASCIICasemap, CollationUnicodeCasemap:
	default:
		return nil, badRequest("unsupported collation %q", m.Collation)
	}
	switch m.MatchType {
	case MatchEquals, MatchContains, MatchStartsWith, MatchEndsWith:
	default:
		return nil, badRequest("unsupported match-type %q", m.MatchType)
	}
	return TextPredicate{Match: m}, nil
}

func checkTest(test string) error {
	switch test {
	case "", TestAnyOf, TestAllOf:
		return nil
	}
	return badRequest("unsupported test %q", test)
}

func checkRange(tr *TimeRange) error {
	if tr.Start.IsAbsent() && tr.End.IsAbsent() {
		return badRequest("time-range needs a start or an end")
	}
	start, end := tr.Bounds()
	if !start.Before(end) {
		return &storage.Error{Type: storage.ErrBadRequest, Message: "time-range start must precede its end"}
	}
	return nil
}
