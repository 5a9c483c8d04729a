package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"golang.org/x/sync/errgroup"
)

// Result is one matching calendar item.
type Result struct {
	Node *storage.Node
	Item *calendar.Item
	// Occurrences are the non-cancelled instances inside the filter's
	// time-range, when it has one.
	Occurrences []recurrence.Occurrence
}

// Processor evaluates filters over store snapshots.
type Processor struct {
	store       *storage.Store
	engine      *recurrence.Engine
	logger      *slog.Logger
	parallelism int
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithParallelism bounds the members evaluated at once.
func WithParallelism(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// NewProcessor creates a processor reading from store.
func NewProcessor(store *storage.Store, engine *recurrence.Engine, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		engine:      engine,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate returns the calendar items under collectionPath matching f,
// ordered by path. The whole subtree is searched, so a query on a home
// collection reaches every calendar below it. A calendar item path
// evaluates that item alone.
func (p *Processor) Evaluate(ctx context.Context, collectionPath string, f *Filter) ([]Result, error) {
	compiled, err := Compile(f)
	if err != nil {
		p.logger.Warn("rejected filter", "path", collectionPath, "error", err)
		return nil, err
	}
	nodes, err := p.store.Snapshot(ctx, collectionPath, storage.DepthInfinity)
	if err != nil {
		return nil, err
	}

	// Each item is evaluated in the time zone of the collection holding it.
	locs := map[string]*time.Location{}
	switch root := nodes[0]; root.Variant() {
	case storage.VariantCalendarItem:
		parentPath, _ := storage.SplitPath(root.Path)
		locs[parentPath] = time.UTC
		if parent, err := p.store.Resolve(ctx, parentPath); err == nil && parent.Collection != nil {
			locs[parentPath] = parent.Collection.Location()
		}
	case storage.VariantCalendarCollection, storage.VariantCollection:
		nodes = nodes[1:]
		locs[root.Path] = root.Collection.Location()
	default:
		return nil, &storage.Error{Type: storage.ErrBadRequest, Path: root.Path, Message: "not a calendar resource"}
	}

	var members []*storage.Node
	for _, n := range nodes {
		if n.Collection != nil {
			locs[n.Path] = n.Collection.Location()
			continue
		}
		if n.Variant() == storage.VariantCalendarItem {
			members = append(members, n)
		}
	}

	matched := make([]*Result, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for i, n := range members {
		item, ok := n.CalendarItem()
		if !ok {
			continue
		}
		parentPath, _ := storage.SplitPath(n.Path)
		loc, ok := locs[parentPath]
		if !ok {
			loc = time.UTC
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			occs, err := p.occurrences(compiled, item)
			if err != nil {
				p.logger.Warn("calendar query exceeded expansion limit", "path", n.Path, "error", err)
				return &storage.Error{Type: storage.ErrLimitExceeded, Path: n.Path, Message: "recurrence expansion limit", Err: err}
			}
			if !compiled.Match(p.engine, item, loc) {
				return nil
			}
			matched[i] = &Result{Node: n, Item: item, Occurrences: occs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Result
	for _, r := range matched {
		if r != nil {
			out = append(out, *r)
		}
	}
	p.logger.Debug("calendar query evaluated", "path", collectionPath, "filter", compiled.Expr.String(), "candidates", len(members), "matched", len(out))
	return out, nil
}

// occurrences lists the non-cancelled occurrences inside the filter's
// window. It fails when the expansion could not reach the window.
func (p *Processor) occurrences(c *Compiled, item *calendar.Item) ([]recurrence.Occurrence, error) {
	if c.Window == nil {
		return nil, nil
	}
	start, end := c.Window.Bounds()
	all, err := p.engine.Occurrences(item, start, end)
	if err != nil {
		return nil, err
	}
	var out []recurrence.Occurrence
	for _, occ := range all {
		if !occ.Cancelled {
			out = append(out, occ)
		}
	}
	return out, nil
}

// MultigetResult is the outcome for one requested path.
type MultigetResult struct {
	Path   string
	Result *Result
	Err    error
}

// Multiget resolves each path to a calendar item. Failures are reported
// per path; only a cancelled ctx fails the whole call.
func (p *Processor) Multiget(ctx context.Context, paths []string) ([]MultigetResult, error) {
	out := make([]MultigetResult, 0, len(paths))
	for _, raw := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := storage.CleanPath(raw)
		res := MultigetResult{Path: path}
		n, err := p.store.Resolve(ctx, path)
		switch {
		case err != nil:
			res.Err = err
		case n.Variant() != storage.VariantCalendarItem:
			res.Err = &storage.Error{Type: storage.ErrNotFound, Path: path, Message: "not a calendar object"}
		default:
			item, _ := n.CalendarItem()
			res.Result = &Result{Node: n, Item: item}
		}
		if res.Err != nil && !errors.Is(res.Err, storage.ErrNotFound) {
			p.logger.Warn("multiget member failed", "path", path, "error", res.Err)
		}
		out = append(out, res)
	}
	return out, nil
}
