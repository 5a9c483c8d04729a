package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
	"github.com/google/uuid"
)

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Store is the item store: an arena of nodes addressed by path, backed by
// a Backend. Published nodes are never modified, so readers always see
// either the complete old or the complete new version of a node.
type Store struct {
	backend    Backend
	logger     *slog.Logger
	now        Clock
	lockConfig LockConfig
	locks      *LockManager

	// writeMu serializes building and publishing changes. Holders may
	// read st without mu. Backend writes run outside it; inflight holds
	// the scopes of the changes being written.
	writeMu  sync.Mutex
	inflight map[*pending]struct{}
	mu       sync.RWMutex
	st       *state
}

type state struct {
	nodes    map[NodeID]*Node
	paths    map[string]NodeID
	children map[NodeID]map[string]NodeID
	tickets  map[string]NodeID
}

func newState() *state {
	return &state{
		nodes:    make(map[NodeID]*Node),
		paths:    make(map[string]NodeID),
		children: make(map[NodeID]map[string]NodeID),
		tickets:  make(map[string]NodeID),
	}
}

func (st *state) lookup(p string) *Node {
	id, ok := st.paths[p]
	if !ok {
		return nil
	}
	return st.nodes[id]
}

func (st *state) childrenOf(id NodeID) []*Node {
	names := st.children[id]
	out := make([]*Node, 0, len(names))
	for _, cid := range names {
		out = append(out, st.nodes[cid])
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// subtree lists n and its descendants in pre-order, up to depth levels.
func (st *state) subtree(n *Node, depth Depth) []*Node {
	out := []*Node{n}
	if depth == DepthZero || n.Kind != KindCollection {
		return out
	}
	next := depth
	if depth == DepthOne {
		next = DepthZero
	}
	for _, c := range st.childrenOf(n.ID) {
		out = append(out, st.subtree(c, next)...)
	}
	return out
}

func (st *state) insert(n *Node) {
	st.nodes[n.ID] = n
	st.paths[n.Path] = n.ID
	if n.ParentID != "" {
		kids := st.children[n.ParentID]
		if kids == nil {
			kids = make(map[string]NodeID)
			st.children[n.ParentID] = kids
		}
		kids[n.Name] = n.ID
	}
	for _, t := range n.Tickets {
		st.tickets[t.ID] = n.ID
	}
}

func (st *state) remove(n *Node) {
	delete(st.nodes, n.ID)
	if st.paths[n.Path] == n.ID {
		delete(st.paths, n.Path)
	}
	if kids := st.children[n.ParentID]; kids != nil && kids[n.Name] == n.ID {
		delete(kids, n.Name)
	}
	for _, t := range n.Tickets {
		if st.tickets[t.ID] == n.ID {
			delete(st.tickets, t.ID)
		}
	}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source used for timestamps and expiry.
func WithClock(now Clock) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLockConfig sets the lock timeouts.
func WithLockConfig(config LockConfig) Option {
	return func(s *Store) {
		s.lockConfig = config
	}
}

// Open loads every record from backend and builds the store. An empty
// backend gets a root collection.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:    backend,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		lockConfig: DefaultLockConfig,
		inflight:   make(map[*pending]struct{}),
		st:         newState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks = NewLockManager(s.lockConfig, s.now)

	records, err := backend.List(ctx)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	slices.SortFunc(records, func(a, b *Record) int {
		if c := cmp.Compare(len(Segments(a.Path)), len(Segments(b.Path))); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})

	for _, r := range records {
		n, locks, err := decodeRecord(r)
		if err != nil {
			return nil, unavailable("load records", err)
		}
		if err := s.load(n); err != nil {
			s.logger.Error("skipping unloadable record", "path", r.Path, "error", err)
			continue
		}
		for _, l := range locks {
			s.locks.install(l)
		}
	}

	if s.st.lookup(RootPath) == nil {
		now := s.now()
		root := &Node{
			ID:         NodeID(uuid.NewString()),
			UID:        uuid.NewString(),
			Path:       RootPath,
			Created:    now,
			Modified:   now,
			Kind:       KindCollection,
			Collection: &CollectionData{},
		}
		root.ETag = computeETag(root)
		if err := s.commit(ctx, &change{puts: []*Node{root}}); err != nil {
			return nil, err
		}
	}
	s.logger.Info("store opened", "nodes", len(s.st.nodes))
	return s, nil
}

// load attaches a decoded node below its already loaded parent.
func (s *Store) load(n *Node) error {
	if n.Path != RootPath {
		parentPath, _ := SplitPath(n.Path)
		parent := s.st.lookup(parentPath)
		if parent == nil || parent.ID != n.ParentID {
			return fmt.Errorf("parent %s missing", parentPath)
		}
		if n.Variant() == VariantCalendarItem {
			item, err := calendar.Parse(n.Item.Text, calendar.WithDefaultLocation(parent.Collection.Location()))
			if err != nil {
				return err
			}
			n.Item.Calendar = item
		}
	} else {
		n.ParentID = ""
	}
	if etag := computeETag(n); etag != n.ETag {
		s.logger.Debug("recomputed etag", "path", n.Path, "stored", n.ETag, "etag", etag)
		n.ETag = etag
	}
	s.st.insert(n)
	return nil
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Logger returns the store logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Resolve returns the node at p.
func (s *Store) Resolve(ctx context.Context, p string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = CleanPath(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.st.lookup(p); n != nil {
		return n, nil
	}
	return nil, NotFound(p)
}

// Children returns the members of the collection at p ordered by name.
// Items have no members.
func (s *Store) Children(ctx context.Context, p string) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = CleanPath(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.st.lookup(p)
	if n == nil {
		return nil, NotFound(p)
	}
	return s.st.childrenOf(n.ID), nil
}

// Snapshot returns the node at p and its descendants up to depth in
// pre-order. All nodes come from the same committed state.
func (s *Store) Snapshot(ctx context.Context, p string, depth Depth) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = CleanPath(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.st.lookup(p)
	if n == nil {
		return nil, NotFound(p)
	}
	return s.st.subtree(n, depth), nil
}

// ErrSkip can be returned by a WalkFunc to skip the members of a collection.
var ErrSkip = errors.New("skip this collection")

// WalkFunc is called for every node visited by Walk.
type WalkFunc func(n *Node) error

// Walk visits the snapshot of p up to depth in pre-order. It stops at the
// first error fn returns, other than ErrSkip.
func (s *Store) Walk(ctx context.Context, p string, depth Depth, fn WalkFunc) error {
	nodes, err := s.Snapshot(ctx, p, depth)
	if err != nil {
		return err
	}
	skip := ""
	for _, n := range nodes {
		if skip != "" && IsAncestor(skip, n.Path) {
			continue
		}
		skip = ""
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			if errors.Is(err, ErrSkip) {
				skip = n.Path
				continue
			}
			return err
		}
	}
	return nil
}

// CTag returns the collection tag of the collection at p.
func (s *Store) CTag(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p = CleanPath(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.st.lookup(p)
	if n == nil {
		return "", NotFound(p)
	}
	if n.Kind != KindCollection {
		return "", newError(ErrBadRequest, p, "not a collection")
	}
	return computeCTag(s.st.childrenOf(n.ID)), nil
}

// change is the outcome of one mutation.
type change struct {
	puts    []*Node
	deletes []*Node
	// dropLocks are subtree roots whose client locks the mutation destroys.
	dropLocks []string
	// scopes are extra conflict keys beyond the touched paths.
	scopes []string
}

// batch is a change encoded for the backend.
type batch struct {
	puts    []*Record
	deletes []string
	scopes  []string
}

// pending is a change being written to the backend.
type pending struct {
	scopes []string
	done   chan struct{}
}

// prepare encodes ch against st and lists its conflict scopes: every
// touched path, old paths of moved nodes, and the parents of all of them.
// Callers hold writeMu.
func (s *Store) prepare(ch *change) (*batch, error) {
	b := &batch{scopes: slices.Clone(ch.scopes)}
	putPath := make(map[string]bool, len(ch.puts))
	touch := func(p string) {
		b.scopes = append(b.scopes, p)
		if parent, _ := SplitPath(p); parent != "" {
			b.scopes = append(b.scopes, parent)
		}
	}
	for _, n := range ch.puts {
		r, err := encodeRecord(n, s.locksFor(n.Path, ch.dropLocks))
		if err != nil {
			return nil, unavailable("encode record", err)
		}
		b.puts = append(b.puts, r)
		putPath[n.Path] = true
		touch(n.Path)
	}
	for _, n := range ch.deletes {
		touch(n.Path)
		if !putPath[n.Path] {
			b.deletes = append(b.deletes, n.Path)
		}
	}
	for _, n := range ch.puts {
		if old := s.st.nodes[n.ID]; old != nil && old.Path != n.Path {
			touch(old.Path)
			if !putPath[old.Path] {
				b.deletes = append(b.deletes, old.Path)
			}
		}
	}
	return b, nil
}

// conflicting returns an in-flight change overlapping scopes. Paths
// overlap when one is an ancestor of the other. Callers hold writeMu.
func (s *Store) conflicting(scopes []string) *pending {
	for p := range s.inflight {
		for _, a := range p.scopes {
			for _, b := range scopes {
				if a == b || IsAncestor(a, b) || IsAncestor(b, a) {
					return p
				}
			}
		}
	}
	return nil
}

// commit persists ch and publishes it while holding writeMu throughout.
// It is used where no other writer can run yet.
func (s *Store) commit(ctx context.Context, ch *change) error {
	b, err := s.prepare(ch)
	if err != nil {
		return err
	}
	if err := s.backend.Apply(ctx, b.puts, b.deletes); err != nil {
		s.logger.Error("backend apply failed", "error", err)
		return unavailable("apply change", err)
	}
	s.publish(ch)
	return nil
}

// publish makes ch visible to readers. Callers hold writeMu.
func (s *Store) publish(ch *change) {
	s.mu.Lock()
	for _, n := range ch.deletes {
		s.st.remove(n)
		delete(s.st.children, n.ID)
	}
	for _, n := range ch.puts {
		if old := s.st.nodes[n.ID]; old != nil {
			s.st.remove(old)
		}
	}
	for _, n := range ch.puts {
		s.st.insert(n)
	}
	s.mu.Unlock()

	for _, root := range ch.dropLocks {
		s.locks.removeSubtree(root)
	}
}

func (s *Store) locksFor(p string, dropped []string) []*Lock {
	for _, root := range dropped {
		if IsAncestor(root, p) {
			return nil
		}
	}
	return s.locks.rootedAt(p)
}

func unavailable(msg string, err error) *Error {
	var se *Error
	if errors.As(err, &se) && se.Type == ErrUnavailable {
		return se
	}
	return &Error{Type: ErrUnavailable, Message: msg, Err: err}
}
