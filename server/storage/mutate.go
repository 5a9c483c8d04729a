package storage

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/calendar"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Property names with meaning to the store. Other names are kept as dead
// properties.
const (
	PropDisplayName    = "{DAV:}displayname"
	PropScheduleTransp = "{urn:ietf:params:xml:ns:caldav}schedule-calendar-transp"
)

// MutationOption configures a single mutating call.
type MutationOption func(*mutation)

type mutation struct {
	tokens []string
	wait   time.Duration
	owner  string
}

// WithLockTokens passes the client lock tokens the caller holds. Locks
// with these tokens do not block the mutation.
func WithLockTokens(tokens ...string) MutationOption {
	return func(m *mutation) {
		m.tokens = append(m.tokens, tokens...)
	}
}

// WithWaitTimeout bounds how long the mutation waits for conflicting locks.
func WithWaitTimeout(d time.Duration) MutationOption {
	return func(m *mutation) {
		m.wait = d
	}
}

// WithOwner names the principal performing the mutation.
func WithOwner(owner string) MutationOption {
	return func(m *mutation) {
		m.owner = owner
	}
}

// Conditions are the preconditions of a Put.
type Conditions struct {
	// IfMatch requires the target to exist with this ETag, or with any
	// ETag for "*".
	IfMatch mo.Option[string]
	// IfNoneMatch requires the target not to have this ETag, or not to
	// exist at all for "*".
	IfNoneMatch mo.Option[string]
}

func (c Conditions) check(p string, n *Node) error {
	if want, ok := c.IfMatch.Get(); ok {
		if n == nil || (want != "*" && want != n.ETag) {
			return newError(ErrPreconditionFailed, p, "If-Match %s does not match", want)
		}
	}
	if want, ok := c.IfNoneMatch.Get(); ok && n != nil {
		if want == "*" || want == n.ETag {
			return newError(ErrPreconditionFailed, p, "If-None-Match %s matches", want)
		}
	}
	return nil
}

func mismatch(p, expected, current string) *Error {
	return newError(ErrPreconditionFailed, p, "etag %s does not match current %s", expected, current)
}

type lockTarget struct {
	path  string
	depth Depth
}

// mutate takes the operation locks on targets, then builds and commits a
// change against the current state.
func (s *Store) mutate(ctx context.Context, opts []MutationOption, targets []lockTarget, build func(st *state, now time.Time) (*change, error)) error {
	m := mutation{wait: s.lockConfig.WaitTimeout}
	for _, opt := range opts {
		opt(&m)
	}

	slices.SortFunc(targets, func(a, b lockTarget) int { return cmp.Compare(a.path, b.path) })
	var held []*Lock
	defer func() {
		for _, l := range slices.Backward(held) {
			s.locks.release(l.Token)
		}
	}()
	for _, t := range targets {
		l, err := s.locks.acquire(ctx, t.path, LockRequest{
			Owner: m.owner,
			Scope: LockExclusive,
			Depth: t.depth,
			Wait:  m.wait,
		}, m.tokens, true)
		if err != nil {
			s.logger.Warn("lock wait failed", "path", t.path, "error", err)
			return err
		}
		held = append(held, l)
	}

	return s.update(ctx, build)
}

// update builds and commits a change without operation locks. Building
// and publishing are serialized; the backend write is not, so changes to
// disjoint subtrees reach the backend concurrently. A change overlapping
// one still being written waits for it and is rebuilt.
func (s *Store) update(ctx context.Context, build func(st *state, now time.Time) (*change, error)) error {
	for {
		s.writeMu.Lock()
		if err := ctx.Err(); err != nil {
			s.writeMu.Unlock()
			return err
		}
		ch, err := build(s.st, s.now())
		if err != nil {
			s.writeMu.Unlock()
			return err
		}
		if len(ch.puts) == 0 && len(ch.deletes) == 0 {
			s.writeMu.Unlock()
			return nil
		}
		b, err := s.prepare(ch)
		if err != nil {
			s.writeMu.Unlock()
			return err
		}
		if other := s.conflicting(b.scopes); other != nil {
			s.writeMu.Unlock()
			select {
			case <-other.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p := &pending{scopes: b.scopes, done: make(chan struct{})}
		s.inflight[p] = struct{}{}
		s.writeMu.Unlock()

		err = s.backend.Apply(ctx, b.puts, b.deletes)

		s.writeMu.Lock()
		delete(s.inflight, p)
		close(p.done)
		if err == nil {
			s.publish(ch)
		}
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Error("backend apply failed", "error", err)
			return unavailable("apply change", err)
		}
		return nil
	}
}

// fill sets the variant data of n from content after checking that parent
// accepts it. ignore names a sibling about to be replaced.
func (s *Store) fill(st *state, parent, n *Node, content Content, ignore NodeID) error {
	if parent.Kind != KindCollection {
		return newError(ErrBadRequest, parent.Path, "parent is not a collection")
	}
	calendarParent := parent.IsCalendarCollection()

	switch content.kind {
	case KindCollection:
		if calendarParent {
			return newError(ErrBadRequest, n.Path, "calendar collections cannot contain collections")
		}
		n.Kind = KindCollection
		n.Item = nil
		n.Collection = content.collection.clone()
		if n.Collection == nil {
			n.Collection = &CollectionData{}
		}
		if n.UID == "" {
			n.UID = uuid.NewString()
		}
		return nil

	case KindItem:
		n.Kind = KindItem
		n.Collection = nil
		switch content.itemKind {
		case ItemCalendar:
			item, err := calendar.Parse(content.text, calendar.WithDefaultLocation(parent.Collection.Location()))
			if err != nil {
				return &Error{Type: ErrParse, Path: n.Path, Message: "invalid calendar data", Err: err}
			}
			if calendarParent {
				if !parent.Collection.Supports(item.Kind) {
					return newError(ErrBadRequest, n.Path, "component %s not supported by %s", item.Kind, parent.Path)
				}
				if other := uidHolder(st, parent, item.UID, n.ID, ignore); other != nil {
					return &Error{
						Type:    ErrConflict,
						Path:    n.Path,
						Message: fmt.Sprintf("uid %s already used by %s", item.UID, other.Path),
					}
				}
			}
			n.UID = item.UID
			n.Item = &ItemData{Kind: ItemCalendar, Calendar: item, Text: content.text}
		case ItemFile:
			if calendarParent {
				return newError(ErrBadRequest, n.Path, "calendar collections only accept calendar data")
			}
			contentType := content.contentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			n.Item = &ItemData{Kind: ItemFile, Data: content.data, ContentType: contentType}
			if n.UID == "" {
				n.UID = uuid.NewString()
			}
		default:
			return newError(ErrBadRequest, n.Path, "unknown item kind")
		}
		return nil

	default:
		return newError(ErrBadRequest, n.Path, "empty content")
	}
}

// contentOf turns a node back into the content that produced it.
func contentOf(n *Node) Content {
	switch n.Variant() {
	case VariantCalendarItem:
		return CalendarContent(n.Item.Text)
	case VariantFile:
		return FileContent(n.Item.Data, n.Item.ContentType)
	default:
		return CollectionContent(*n.Collection)
	}
}

// uidHolder finds another calendar item in parent using uid.
func uidHolder(st *state, parent *Node, uid string, self, ignore NodeID) *Node {
	for _, c := range st.childrenOf(parent.ID) {
		if c.ID == self || c.ID == ignore || c.Variant() != VariantCalendarItem {
			continue
		}
		if c.UID == uid {
			return c
		}
	}
	return nil
}

func (s *Store) newNode(st *state, parent *Node, name string, content Content, now time.Time) (*Node, error) {
	n := &Node{
		ID:       NodeID(uuid.NewString()),
		ParentID: parent.ID,
		Name:     name,
		Path:     JoinPath(parent.Path, name),
		Created:  now,
		Modified: now,
	}
	if err := s.fill(st, parent, n, content, ""); err != nil {
		return nil, err
	}
	n.ETag = computeETag(n)
	return n, nil
}

// replace builds the successor of old with new content. It returns nil
// when nothing changed.
func (s *Store) replace(st *state, old *Node, content Content, now time.Time) (*Node, error) {
	if old.Kind == KindCollection || content.kind != KindItem {
		return nil, newError(ErrBadRequest, old.Path, "only items can be replaced")
	}
	n := old.clone()
	if err := s.fill(st, st.nodes[old.ParentID], n, content, ""); err != nil {
		return nil, err
	}
	n.ETag = computeETag(n)
	if n.ETag == old.ETag {
		return nil, nil
	}
	n.Modified = now
	return n, nil
}

// Create adds a new member name to the collection at parentPath.
func (s *Store) Create(ctx context.Context, parentPath, name string, content Content, opts ...MutationOption) (*Node, error) {
	parentPath = CleanPath(parentPath)
	if err := ValidName(name); err != nil {
		return nil, &Error{Type: ErrBadRequest, Path: parentPath, Message: err.Error()}
	}
	p := JoinPath(parentPath, name)

	var created *Node
	err := s.mutate(ctx, opts, []lockTarget{{p, DepthZero}}, func(st *state, now time.Time) (*change, error) {
		parent := st.lookup(parentPath)
		if parent == nil {
			return nil, NotFound(parentPath)
		}
		if st.lookup(p) != nil {
			return nil, newError(ErrConflict, p, "resource already exists")
		}
		n, err := s.newNode(st, parent, name, content, now)
		if err != nil {
			return nil, err
		}
		created = n
		return &change{puts: []*Node{n}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("node created", "path", p, "kind", created.Kind, "etag", created.ETag)
	return created, nil
}

// Update replaces the content of the item at p and returns its new ETag.
// An empty expectedETag skips the optimistic concurrency check.
func (s *Store) Update(ctx context.Context, p, expectedETag string, content Content, opts ...MutationOption) (string, error) {
	p = CleanPath(p)
	var etag string
	err := s.mutate(ctx, opts, []lockTarget{{p, DepthZero}}, func(st *state, now time.Time) (*change, error) {
		old := st.lookup(p)
		if old == nil {
			return nil, NotFound(p)
		}
		if expectedETag != "" && expectedETag != old.ETag {
			return nil, mismatch(p, expectedETag, old.ETag)
		}
		n, err := s.replace(st, old, content, now)
		if err != nil {
			return nil, err
		}
		if n == nil {
			etag = old.ETag
			return &change{}, nil
		}
		etag = n.ETag
		return &change{puts: []*Node{n}}, nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("node updated", "path", p, "etag", etag)
	return etag, nil
}

// Put creates or replaces the item at p subject to cond. It reports
// whether the item was created.
func (s *Store) Put(ctx context.Context, p string, content Content, cond Conditions, opts ...MutationOption) (*Node, bool, error) {
	p = CleanPath(p)
	parentPath, name := SplitPath(p)
	if err := ValidName(name); err != nil {
		return nil, false, &Error{Type: ErrBadRequest, Path: p, Message: err.Error()}
	}

	var (
		result  *Node
		created bool
	)
	err := s.mutate(ctx, opts, []lockTarget{{p, DepthZero}}, func(st *state, now time.Time) (*change, error) {
		old := st.lookup(p)
		if err := cond.check(p, old); err != nil {
			return nil, err
		}
		if old == nil {
			parent := st.lookup(parentPath)
			if parent == nil {
				return nil, NotFound(parentPath)
			}
			n, err := s.newNode(st, parent, name, content, now)
			if err != nil {
				return nil, err
			}
			result, created = n, true
			return &change{puts: []*Node{n}}, nil
		}
		n, err := s.replace(st, old, content, now)
		if err != nil {
			return nil, err
		}
		if n == nil {
			result = old
			return &change{}, nil
		}
		result = n
		return &change{puts: []*Node{n}}, nil
	})
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("node stored", "path", p, "created", created, "etag", result.ETag)
	return result, created, nil
}

// Delete removes the node at p and everything below it, together with
// their locks and tickets.
func (s *Store) Delete(ctx context.Context, p string, expectedETag mo.Option[string], opts ...MutationOption) error {
	p = CleanPath(p)
	if p == RootPath {
		return Forbidden(p, "cannot delete the root collection")
	}
	var removed int
	err := s.mutate(ctx, opts, []lockTarget{{p, DepthInfinity}}, func(st *state, now time.Time) (*change, error) {
		n := st.lookup(p)
		if n == nil {
			return nil, NotFound(p)
		}
		if want, ok := expectedETag.Get(); ok && want != "*" && want != n.ETag {
			return nil, mismatch(p, want, n.ETag)
		}
		nodes := st.subtree(n, DepthInfinity)
		removed = len(nodes)
		return &change{deletes: nodes, dropLocks: []string{p}}, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("node deleted", "path", p, "nodes", removed)
	return nil
}

// Move renames the subtree at src to dst. Node ids, UIDs and tickets
// travel with the nodes; locks on the source are destroyed.
func (s *Store) Move(ctx context.Context, src, dst string, overwrite bool, opts ...MutationOption) (*Node, error) {
	return s.transfer(ctx, src, dst, overwrite, true, opts)
}

// Copy duplicates the subtree at src to dst. Copies get fresh node ids and
// no tickets; calendar items keep the UID of their content.
func (s *Store) Copy(ctx context.Context, src, dst string, overwrite bool, opts ...MutationOption) (*Node, error) {
	return s.transfer(ctx, src, dst, overwrite, false, opts)
}

func (s *Store) transfer(ctx context.Context, src, dst string, overwrite, move bool, opts []MutationOption) (*Node, error) {
	src, dst = CleanPath(src), CleanPath(dst)
	switch {
	case src == RootPath:
		return nil, Forbidden(src, "cannot move or copy the root collection")
	case src == dst:
		return nil, Forbidden(src, "source and destination are the same")
	case IsAncestor(src, dst):
		return nil, newError(ErrBadRequest, dst, "destination is inside the source")
	case IsAncestor(dst, src):
		return nil, newError(ErrBadRequest, dst, "destination contains the source")
	}
	dstParentPath, dstName := SplitPath(dst)
	if err := ValidName(dstName); err != nil {
		return nil, &Error{Type: ErrBadRequest, Path: dst, Message: err.Error()}
	}

	targets := []lockTarget{{dst, DepthInfinity}}
	if move {
		targets = append(targets, lockTarget{src, DepthInfinity})
	}

	var result *Node
	err := s.mutate(ctx, opts, targets, func(st *state, now time.Time) (*change, error) {
		srcNode := st.lookup(src)
		if srcNode == nil {
			return nil, NotFound(src)
		}
		dstParent := st.lookup(dstParentPath)
		if dstParent == nil || dstParent.Kind != KindCollection {
			return nil, newError(ErrConflict, dstParentPath, "destination parent collection does not exist")
		}

		ch := &change{}
		var ignore NodeID
		if existing := st.lookup(dst); existing != nil {
			if !overwrite {
				return nil, newError(ErrPreconditionFailed, dst, "destination exists")
			}
			ch.deletes = st.subtree(existing, DepthInfinity)
			ch.dropLocks = append(ch.dropLocks, dst)
			ignore = existing.ID
		}
		if move {
			ch.dropLocks = append(ch.dropLocks, src)
		}

		ids := make(map[NodeID]NodeID)
		for i, old := range st.subtree(srcNode, DepthInfinity) {
			n := old.clone()
			n.Path = rebase(old.Path, src, dst)
			if !move {
				n.ID = NodeID(uuid.NewString())
				n.Created, n.Modified = now, now
				n.Tickets = nil
				if n.Variant() != VariantCalendarItem {
					n.UID = uuid.NewString()
				}
			}
			ids[old.ID] = n.ID
			if i > 0 {
				n.ParentID = ids[old.ParentID]
				ch.puts = append(ch.puts, n)
				continue
			}
			n.ParentID = dstParent.ID
			n.Name = dstName
			n.Modified = now
			if err := s.fill(st, dstParent, n, contentOf(old), ignore); err != nil {
				return nil, err
			}
			n.ETag = computeETag(n)
			ch.puts = append(ch.puts, n)
		}
		result = ch.puts[0]
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	op := "copied"
	if move {
		op = "moved"
	}
	s.logger.Info("node "+op, "source", src, "destination", dst, "etag", result.ETag)
	return result, nil
}

// SetProperties sets and removes properties of the node at p and returns
// its new ETag. Names use the {namespace}local form.
func (s *Store) SetProperties(ctx context.Context, p, expectedETag string, set map[string]string, remove []string, opts ...MutationOption) (string, error) {
	p = CleanPath(p)
	var etag string
	err := s.mutate(ctx, opts, []lockTarget{{p, DepthZero}}, func(st *state, now time.Time) (*change, error) {
		old := st.lookup(p)
		if old == nil {
			return nil, NotFound(p)
		}
		if expectedETag != "" && expectedETag != old.ETag {
			return nil, mismatch(p, expectedETag, old.ETag)
		}
		n := old.clone()
		if n.Properties == nil {
			n.Properties = make(map[string]string)
		}
		for _, name := range remove {
			switch name {
			case PropDisplayName:
				n.DisplayName = ""
			case PropScheduleTransp:
				if n.Collection != nil {
					n.Collection.ExcludeFreeBusyRollup = false
				}
			default:
				delete(n.Properties, name)
			}
		}
		for _, name := range slices.Sorted(maps.Keys(set)) {
			value := set[name]
			switch name {
			case PropDisplayName:
				n.DisplayName = value
			case PropScheduleTransp:
				if n.Collection == nil || !n.Collection.Calendar {
					return nil, newError(ErrConflict, p, "%s only applies to calendar collections", name)
				}
				n.Collection.ExcludeFreeBusyRollup = strings.EqualFold(value, "transparent")
			default:
				n.Properties[name] = value
			}
		}
		if len(n.Properties) == 0 {
			n.Properties = nil
		}
		n.ETag = computeETag(n)
		etag = n.ETag
		if n.ETag == old.ETag {
			return &change{}, nil
		}
		n.Modified = now
		return &change{puts: []*Node{n}}, nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("properties updated", "path", p, "etag", etag)
	return etag, nil
}
