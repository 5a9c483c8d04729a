package recurrence

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
)

// Engine expands calendar items into occurrences. It holds no per-item
// state; the optional cache only memoises results.
type Engine struct {
	cache  *RecurrenceCache
	config EngineConfig
	logger *slog.Logger
}

// NewEngine creates a new recurrence engine instance
func NewEngine(opts ...Option) *Engine {
	return NewEngineWithConfig(DefaultEngineConfig, opts...)
}

// Close releases the cache cleanup goroutine.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// Expand returns the occurrences of item that overlap [rangeStart, rangeEnd),
// ordered by start and then recurrence-id. The sequence is computed on
// each iteration, so ranging over it twice yields the same values.
func (e *Engine) Expand(item *calendar.Item, rangeStart, rangeEnd time.Time) iter.Seq[Occurrence] {
	return func(yield func(Occurrence) bool) {
		occs, _ := e.expandCached(item, rangeStart, rangeEnd)
		for _, occ := range occs {
			if !yield(occ) {
				return
			}
		}
	}
}

// Collect expands item into a slice.
func (e *Engine) Collect(item *calendar.Item, rangeStart, rangeEnd time.Time) []Occurrence {
	return slices.Collect(e.Expand(item, rangeStart, rangeEnd))
}

// Occurrences is Collect for callers that must not act on an incomplete
// expansion. It fails with ErrScanLimit when the rule could not be
// followed as far as the range.
func (e *Engine) Occurrences(item *calendar.Item, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	occs, err := e.expandCached(item, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return slices.Clone(occs), nil
}

// HasOccurrenceInRange reports whether item has a non-cancelled occurrence
// overlapping [rangeStart, rangeEnd).
func (e *Engine) HasOccurrenceInRange(item *calendar.Item, rangeStart, rangeEnd time.Time) bool {
	for occ := range e.Expand(item, rangeStart, rangeEnd) {
		if !occ.Cancelled {
			return true
		}
	}
	return false
}

func (e *Engine) expandCached(item *calendar.Item, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	if item == nil || item.Master == nil || !rangeStart.Before(rangeEnd) {
		return nil, nil
	}
	if e.cache == nil {
		return e.expand(item, rangeStart, rangeEnd)
	}
	key := e.cache.generateCacheKey("expand", item, rangeStart, rangeEnd)
	if occs, ok := e.cache.Get(key); ok {
		return occs, nil
	}
	occs, err := e.expand(item, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, occs)
	return occs, nil
}

// instance is a generated start before overrides are applied.
type instance struct {
	rid      time.Time
	duration time.Duration
}

func (e *Engine) expand(item *calendar.Item, rangeStart, rangeEnd time.Time) ([]Occurrence, error) {
	master := item.Master
	if master.Start.IsZero() {
		return e.undated(item, rangeStart, rangeEnd), nil
	}
	duration := master.EffectiveDuration()

	// THISANDFUTURE overrides move later instances, so the raw window
	// must reach as far as any of them can shift an instance.
	lookback, lookahead := duration, time.Duration(0)
	for _, ov := range item.Overrides {
		if !ov.ThisAndFuture {
			continue
		}
		shift := ov.Object.Start.Time.Sub(ov.RecurrenceID.Time)
		lookback = max(lookback, shift+e.overrideDuration(ov, duration))
		lookahead = max(lookahead, -shift)
	}
	for _, rd := range master.RDates {
		lookback = max(lookback, rd.Duration.OrElse(duration))
	}
	from, to := rangeStart.Add(-lookback), rangeEnd.Add(lookahead)

	raw, truncated, err := e.instances(item, from, to)
	if err != nil {
		e.logger.Warn("recurrence scan limit reached",
			"uid", item.UID,
			"range_start", rangeStart,
			"range_end", rangeEnd,
			"max_scan", e.config.MaxScan)
		return nil, fmt.Errorf("uid %s: %w", item.UID, err)
	}
	if truncated {
		e.logger.Warn("recurrence expansion truncated",
			"uid", item.UID,
			"range_start", rangeStart,
			"range_end", rangeEnd,
			"max_instances", e.config.MaxInstances)
	}

	var out []Occurrence
	for _, inst := range raw {
		key := inst.rid.UTC().Format(calendar.RecurrenceIDFormat)
		if _, ok := item.Override(key); ok {
			continue
		}
		occ := Occurrence{
			UID:          item.UID,
			RecurrenceID: inst.rid,
			Start:        inst.rid,
			End:          inst.rid.Add(inst.duration),
			AllDay:       master.Start.AllDay,
			Object:       master,
		}
		if ov := governing(item.Overrides, inst.rid); ov != nil {
			shift := ov.Object.Start.Time.Sub(ov.RecurrenceID.Time)
			occ.Start = inst.rid.Add(shift)
			occ.End = occ.Start.Add(e.overrideDuration(ov, inst.duration))
			occ.Override = ov
			occ.Object = ov.Object
			occ.Cancelled = ov.Object.Cancelled()
		}
		if occ.Overlaps(rangeStart, rangeEnd) {
			out = append(out, occ)
		}
	}

	for _, ov := range item.Overrides {
		if !e.isInstance(item, ov.RecurrenceID.Time) {
			e.logger.Debug("inert override",
				"uid", item.UID,
				"recurrence_id", ov.RecurrenceID.Key())
			continue
		}
		start := ov.Object.Start.Time
		if ov.Object.Start.IsZero() {
			start = ov.RecurrenceID.Time
		}
		occ := Occurrence{
			UID:          item.UID,
			RecurrenceID: ov.RecurrenceID.Time,
			Start:        start,
			End:          start.Add(e.overrideDuration(ov, duration)),
			AllDay:       ov.Object.Start.AllDay,
			Cancelled:    ov.Object.Cancelled(),
			Override:     ov,
			Object:       ov.Object,
		}
		if occ.Overlaps(rangeStart, rangeEnd) {
			out = append(out, occ)
		}
	}

	sortOccurrences(out)
	if len(out) > e.config.MaxInstances {
		out = out[:e.config.MaxInstances]
	}
	return out, nil
}

// undated handles components without DTSTART. A VTODO with only DUE is a
// single instant; anything else has no placement in time.
func (e *Engine) undated(item *calendar.Item, rangeStart, rangeEnd time.Time) []Occurrence {
	due, ok := item.Master.Due.Get()
	if !ok || !Overlaps(due.Time, due.Time, rangeStart, rangeEnd) {
		return nil
	}
	return []Occurrence{{
		UID:          item.UID,
		RecurrenceID: due.Time,
		Start:        due.Time,
		End:          due.Time,
		AllDay:       due.AllDay,
		Object:       item.Master,
	}}
}

// overrideDuration is the span of an overridden instance. An override
// without its own end keeps the span of the instance it replaces.
func (e *Engine) overrideDuration(ov *calendar.Override, fallback time.Duration) time.Duration {
	o := ov.Object
	if o.End.IsPresent() || o.Duration.IsPresent() || o.Due.IsPresent() {
		return o.EffectiveDuration()
	}
	return fallback
}

// governing returns the latest THISANDFUTURE override strictly before rid.
func governing(ovs []*calendar.Override, rid time.Time) *calendar.Override {
	var found *calendar.Override
	for _, ov := range ovs {
		if !ov.ThisAndFuture || !ov.RecurrenceID.Time.Before(rid) {
			continue
		}
		if found == nil || ov.RecurrenceID.Time.After(found.RecurrenceID.Time) {
			found = ov
		}
	}
	return found
}

// instances returns the master's instances starting in [from, to): the
// master start, rule instances and RDATEs minus EXDATEs. The error is
// ErrScanLimit when the rule could not be followed up to from.
func (e *Engine) instances(item *calendar.Item, from, to time.Time) ([]instance, bool, error) {
	master := item.Master
	duration := master.EffectiveDuration()
	excluded := make(map[string]bool, len(master.ExDates))
	for _, ex := range master.ExDates {
		excluded[ex.Key()] = true
	}

	seen := map[string]bool{}
	var out []instance
	add := func(t time.Time, d time.Duration) {
		key := t.UTC().Format(calendar.RecurrenceIDFormat)
		if excluded[key] || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, instance{rid: t, duration: d})
	}

	start := master.Start.Time
	if !start.Before(from) && start.Before(to) {
		add(start, duration)
	}

	var (
		truncated bool
		scanErr   error
	)
	if master.Rule != nil {
		opt := master.Rule.Options
		opt.Dtstart = start
		starts, cut, err := e.ruleWindow(opt, master.Rule.Termination() == calendar.TerminatesCount, from, to)
		switch {
		case errors.Is(err, ErrScanLimit):
			scanErr = err
		case err != nil:
			e.logger.Warn("recurrence rule rejected", "uid", item.UID, "error", err)
		}
		truncated = cut
		for _, t := range starts {
			add(t, duration)
		}
	}

	for _, rd := range master.RDates {
		t := rd.Start.Time
		if !t.Before(from) && t.Before(to) {
			add(t, rd.Duration.OrElse(duration))
		}
	}
	slices.SortFunc(out, func(a, b instance) int { return a.rid.Compare(b.rid) })
	return out, truncated, scanErr
}

// isInstance reports whether rid is a start the master generates.
func (e *Engine) isInstance(item *calendar.Item, rid time.Time) bool {
	insts, _, _ := e.instances(item, rid, rid.Add(time.Second))
	for _, inst := range insts {
		if inst.rid.Equal(rid) {
			return true
		}
	}
	return false
}

func sortOccurrences(occs []Occurrence) {
	slices.SortStableFunc(occs, func(a, b Occurrence) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Key(), b.Key())
	})
}
