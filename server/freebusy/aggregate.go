package freebusy

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/emersion/go-ical"
)

// Aggregator computes busy time from the calendars of a store.
type Aggregator struct {
	store  *storage.Store
	engine *recurrence.Engine
	logger *slog.Logger
}

type Option func(*Aggregator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewAggregator(store *storage.Store, engine *recurrence.Engine, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		engine: engine,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate merges the busy time of every calendar collection below the
// home of principal, except those excluded from free-busy rollup.
func (a *Aggregator) Aggregate(ctx context.Context, principal string, start, end time.Time) ([]Interval, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	home := storage.PrincipalHome(principal)
	nodes, err := a.store.Snapshot(ctx, home, storage.DepthInfinity)
	if err != nil {
		return nil, err
	}

	included := make(map[string]bool)
	var spans []Interval
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.IsCalendarCollection() {
			included[n.Path] = !n.Collection.ExcludeFreeBusyRollup
			continue
		}
		parent, _ := storage.SplitPath(n.Path)
		if item, ok := n.CalendarItem(); ok && included[parent] {
			iv, err := a.itemSpans(item, start, end)
			if err != nil {
				return nil, limitError(n.Path, err)
			}
			spans = append(spans, iv...)
		}
	}
	merged := Merge(spans)
	a.logger.Debug("free-busy aggregated", "principal", principal, "spans", len(spans), "intervals", len(merged))
	return merged, nil
}

// AggregateCollection merges the busy time of one calendar collection.
// The rollup exclusion flag does not apply to a direct query.
func (a *Aggregator) AggregateCollection(ctx context.Context, p string, start, end time.Time) ([]Interval, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	nodes, err := a.store.Snapshot(ctx, p, storage.DepthOne)
	if err != nil {
		return nil, err
	}
	if !nodes[0].IsCalendarCollection() {
		return nil, &storage.Error{Type: storage.ErrBadRequest, Path: nodes[0].Path, Message: "not a calendar collection"}
	}
	var spans []Interval
	for _, n := range nodes[1:] {
		if item, ok := n.CalendarItem(); ok {
			iv, err := a.itemSpans(item, start, end)
			if err != nil {
				return nil, limitError(n.Path, err)
			}
			spans = append(spans, iv...)
		}
	}
	return Merge(spans), nil
}

// AggregateItem returns the busy time of a single calendar item.
func (a *Aggregator) AggregateItem(item *calendar.Item, start, end time.Time) ([]Interval, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	spans, err := a.itemSpans(item, start, end)
	if err != nil {
		return nil, limitError("", err)
	}
	return Merge(spans), nil
}

func limitError(p string, err error) error {
	return &storage.Error{Type: storage.ErrLimitExceeded, Path: p, Message: "recurrence expansion limit", Err: err}
}

// itemSpans classifies the parts of item inside [start, end). Only events
// and VFREEBUSY periods occupy time.
func (a *Aggregator) itemSpans(item *calendar.Item, start, end time.Time) ([]Interval, error) {
	var spans []Interval
	switch item.Kind {
	case ical.CompFreeBusy:
		for _, obj := range item.Components() {
			for _, p := range obj.FreeBusy {
				class, ok := ParseClass(p.Type)
				if !ok {
					a.logger.Debug("unknown free-busy type", "uid", item.UID, "fbtype", p.Type)
					continue
				}
				if iv, ok := Clamp(Interval{Start: p.Start, End: p.End, Class: class}, start, end); ok {
					spans = append(spans, iv)
				}
			}
		}
	case ical.CompEvent:
		occs, err := a.engine.Occurrences(item, start, end)
		if err != nil {
			return nil, err
		}
		for _, occ := range occs {
			class, busy := classify(occ)
			if !busy {
				continue
			}
			if iv, ok := Clamp(Interval{Start: occ.Start, End: occ.End, Class: class}, start, end); ok {
				spans = append(spans, iv)
			}
		}
	}
	return spans, nil
}

func classify(occ recurrence.Occurrence) (Class, bool) {
	obj := occ.Object
	switch {
	case occ.Cancelled || obj == nil || obj.Cancelled() || obj.Transparent():
		return Free, false
	case obj.Tentative():
		return BusyTentative, true
	default:
		return Busy, true
	}
}

func checkRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return storage.BadRequest("invalid free-busy range %s/%s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}
