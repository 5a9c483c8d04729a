package query

import (
	"time"

	"github.com/cyp0633/caldora/server/calendar"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/emersion/go-ical"
)

// env is the per-item evaluation state.
type env struct {
	engine  *recurrence.Engine
	item    *calendar.Item
	loc     *time.Location
	root    *ical.Component
	objects map[*ical.Component]*calendar.Object
}

func newEnv(engine *recurrence.Engine, item *calendar.Item, loc *time.Location) *env {
	if loc == nil {
		loc = time.UTC
	}
	e := &env{
		engine:  engine,
		item:    item,
		loc:     loc,
		objects: make(map[*ical.Component]*calendar.Object),
		root:    &ical.Component{Name: ical.CompCalendar, Props: item.Props},
	}
	e.root.Children = append(e.root.Children, item.Timezones...)
	for _, obj := range item.Components() {
		if obj.Component == nil {
			continue
		}
		e.objects[obj.Component] = obj
		e.root.Children = append(e.root.Children, obj.Component)
	}
	e.root.Children = append(e.root.Children, item.Extra...)
	return e
}

// scope is the node an expression is evaluated against.
type scope struct {
	comp  *ical.Component
	obj   *calendar.Object
	prop  *ical.Prop
	param *string
}

// Match reports whether item satisfies the compiled filter. loc resolves
// floating times.
func (c *Compiled) Match(engine *recurrence.Engine, item *calendar.Item, loc *time.Location) bool {
	e := newEnv(engine, item, loc)
	return c.Expr.eval(e, scope{comp: e.root})
}

func (x And) eval(e *env, s scope) bool {
	for _, sub := range x {
		if !sub.eval(e, s) {
			return false
		}
	}
	return true
}

func (x Or) eval(e *env, s scope) bool {
	for _, sub := range x {
		if sub.eval(e, s) {
			return true
		}
	}
	return false
}

func (x Not) eval(e *env, s scope) bool { return !x.X.eval(e, s) }

func (True) eval(*env, scope) bool { return true }

func (x HasComponent) eval(e *env, s scope) bool {
	if s.comp == nil {
		return false
	}
	for _, child := range s.comp.Children {
		if child.Name != x.Name {
			continue
		}
		if x.Cond.eval(e, scope{comp: child, obj: e.objects[child]}) {
			return true
		}
	}
	return false
}

func (x PropertyPredicate) eval(e *env, s scope) bool {
	if s.comp == nil {
		return false
	}
	props := s.comp.Props[x.Name]
	for i := range props {
		if x.Cond.eval(e, scope{comp: s.comp, obj: s.obj, prop: &props[i]}) {
			return true
		}
	}
	return false
}

func (x ParamPredicate) eval(e *env, s scope) bool {
	if s.prop == nil {
		return false
	}
	for _, v := range s.prop.Params[x.Name] {
		if x.Cond.eval(e, scope{comp: s.comp, obj: s.obj, prop: s.prop, param: &v}) {
			return true
		}
	}
	return false
}

func (x TextPredicate) eval(e *env, s scope) bool {
	switch {
	case s.param != nil:
		return x.Match.Matches(*s.param)
	case s.prop != nil:
		return x.Match.Matches(propText(s.prop))
	}
	return false
}

func propText(prop *ical.Prop) string {
	if text, err := prop.Text(); err == nil {
		return text
	}
	return prop.Value
}

func (x TimeRangePredicate) eval(e *env, s scope) bool {
	start, end := x.Range.Bounds()
	if s.prop != nil {
		t, err := s.prop.DateTime(e.loc)
		return err == nil && recurrence.Overlaps(t, t, start, end)
	}
	if s.obj == nil {
		return false
	}
	return e.componentInRange(s.obj, start, end)
}

// componentInRange applies the time-range rules of each component type
// to one component of the item.
func (e *env) componentInRange(obj *calendar.Object, start, end time.Time) bool {
	master := e.item.Master
	if e.item.Kind == ical.CompFreeBusy {
		for _, p := range obj.FreeBusy {
			if recurrence.Overlaps(p.Start, p.End, start, end) {
				return true
			}
		}
	}
	if master.Start.IsZero() && master.Due.IsAbsent() {
		if e.item.Kind == ical.CompToDo {
			return todoInRange(obj.Component, start, end)
		}
		return false
	}
	for occ := range e.engine.Expand(e.item, start, end) {
		if occ.Object == obj && !occ.Cancelled {
			return true
		}
	}
	return false
}

// todoInRange handles a VTODO with neither DTSTART nor DUE, which is
// placed by COMPLETED and CREATED when it has them.
func todoInRange(comp *ical.Component, start, end time.Time) bool {
	if comp == nil {
		return true
	}
	stamp := func(name string) (time.Time, bool) {
		prop := comp.Props.Get(name)
		if prop == nil {
			return time.Time{}, false
		}
		t, err := prop.DateTime(time.UTC)
		return t, err == nil
	}
	completed, hasCompleted := stamp(ical.PropCompleted)
	created, hasCreated := stamp(ical.PropCreated)
	switch {
	case hasCompleted && hasCreated:
		return (!start.After(created) || !start.After(completed)) &&
			(!end.Before(created) || !end.Before(completed))
	case hasCompleted:
		return !start.After(completed) && !end.Before(completed)
	case hasCreated:
		return end.After(created)
	}
	return true
}
