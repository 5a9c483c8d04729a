package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *MockBackend) {
	t.Helper()
	backend := &MockBackend{}
	backend.SetupEmpty()
	s, err := Open(context.Background(), backend, opts...)
	require.NoError(t, err)
	return s, backend
}

var (
	t0 = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

// seed creates /alice (plain) and /alice/work (calendar).
func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Create(ctx, "/", "alice", CollectionContent(CollectionData{}))
	require.NoError(t, err)
	_, err = s.Create(ctx, "/alice", "work", CollectionContent(CollectionData{Calendar: true}))
	require.NoError(t, err)
}

func requireType(t *testing.T, err error, want ErrorType) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, want), "want %s, got %v", want, err)
}

func TestOpenCreatesRoot(t *testing.T) {
	s, backend := newTestStore(t)
	root, err := s.Resolve(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, root.IsCollection())
	assert.NotEmpty(t, root.ETag)
	backend.AssertCalled(t, "Apply", mock.Anything, mock.MatchedBy(func(puts []*Record) bool {
		return len(puts) == 1 && puts[0].Path == "/"
	}), mock.Anything)
}

func TestOpenBackendFailure(t *testing.T) {
	backend := &MockBackend{}
	backend.On("List", mock.Anything).Return(nil, errors.New("connection refused"))
	_, err := Open(context.Background(), backend)
	requireType(t, err, ErrUnavailable)
}

func TestCreateAndResolve(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)
	assert.Equal(t, "/alice/work/e1.ics", ev.Path)
	assert.Equal(t, "e1", ev.UID)
	assert.Equal(t, VariantCalendarItem, ev.Variant())

	got, err := s.Resolve(ctx, "alice/work/e1.ics/")
	require.NoError(t, err)
	assert.Same(t, ev, got)

	_, err = s.Create(ctx, "/alice", "notes.txt", FileContent([]byte("hi"), "text/plain"))
	require.NoError(t, err)
	kids, err := s.Children(ctx, "/alice")
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "notes.txt", kids[0].Name)
	assert.Equal(t, "work", kids[1].Name)

	_, err = s.Resolve(ctx, "/alice/none")
	requireType(t, err, ErrNotFound)
}

func TestCreateFailures(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.Create(ctx, "/", "tasks", CollectionContent(CollectionData{Calendar: true, SupportedComponents: []string{"VTODO"}}))
	require.NoError(t, err)
	_, err = s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)

	tests := []struct {
		name    string
		parent  string
		child   string
		content Content
		want    ErrorType
	}{
		{"sibling exists", "/alice/work", "e1.ics", CalendarContent(NewMockEvent("other", "x", t0, t1)), ErrConflict},
		{"uid taken", "/alice/work", "copy.ics", CalendarContent(NewMockEvent("e1", "dup", t0, t1)), ErrConflict},
		{"missing parent", "/bob", "e.ics", CalendarContent(NewMockEvent("e2", "x", t0, t1)), ErrNotFound},
		{"parent is item", "/alice/work/e1.ics", "x", FileContent(nil, ""), ErrBadRequest},
		{"invalid name", "/alice", "..", FileContent(nil, ""), ErrBadRequest},
		{"malformed calendar", "/alice/work", "bad.ics", CalendarContent("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"), ErrParse},
		{"file in calendar", "/alice/work", "a.txt", FileContent([]byte("x"), "text/plain"), ErrBadRequest},
		{"collection in calendar", "/alice/work", "sub", CollectionContent(CollectionData{}), ErrBadRequest},
		{"unsupported component", "/tasks", "e.ics", CalendarContent(NewMockEvent("e3", "x", t0, t1)), ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.parent, tt.child, tt.content)
			requireType(t, err, tt.want)
		})
	}

	// Same UID is fine in another calendar.
	_, err = s.Create(ctx, "/tasks", "t.ics", CalendarContent(NewMockTodo("e1", "todo", t0)))
	require.NoError(t, err)
}

func TestETagIsContentDerived(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestStore(t)
	b, _ := newTestStore(t)
	for _, s := range []*Store{a, b} {
		seed(t, s)
		_, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
		require.NoError(t, err)
	}
	_, err := a.SetProperties(ctx, "/alice/work", "", map[string]string{PropDisplayName: "Work", "{x:}color": "#fff"}, nil)
	require.NoError(t, err)
	_, err = b.SetProperties(ctx, "/alice/work", "", map[string]string{"{x:}color": "#fff"}, nil)
	require.NoError(t, err)
	_, err = b.SetProperties(ctx, "/alice/work", "", map[string]string{PropDisplayName: "Work"}, nil)
	require.NoError(t, err)

	for _, p := range []string{"/", "/alice", "/alice/work", "/alice/work/e1.ics"} {
		na, err := a.Resolve(ctx, p)
		require.NoError(t, err)
		nb, err := b.Resolve(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, na.ETag, nb.ETag, p)
		assert.NotEqual(t, na.ID, nb.ID)
	}
	ctagA, err := a.CTag(ctx, "/alice/work")
	require.NoError(t, err)
	ctagB, err := b.CTag(ctx, "/alice/work")
	require.NoError(t, err)
	assert.Equal(t, ctagA, ctagB)
}

func TestETagChangesOnMutation(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)
	again, err := s.Resolve(ctx, ev.Path)
	require.NoError(t, err)
	assert.Equal(t, ev.ETag, again.ETag)
	ctag, err := s.CTag(ctx, "/alice/work")
	require.NoError(t, err)

	etag, err := s.Update(ctx, ev.Path, ev.ETag, CalendarContent(NewMockEvent("e1", "Review v2", t0, t1)))
	require.NoError(t, err)
	assert.NotEqual(t, ev.ETag, etag)
	newCtag, err := s.CTag(ctx, "/alice/work")
	require.NoError(t, err)
	assert.NotEqual(t, ctag, newCtag)

	propsETag, err := s.SetProperties(ctx, ev.Path, etag, map[string]string{"{x:}note": "1"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, etag, propsETag)

	removed, err := s.SetProperties(ctx, ev.Path, "", nil, []string{"{x:}note"})
	require.NoError(t, err)
	assert.Equal(t, etag, removed)

	same, err := s.Update(ctx, ev.Path, "", CalendarContent(NewMockEvent("e1", "Review v2", t0, t1)))
	require.NoError(t, err)
	assert.Equal(t, removed, same)
}

func TestUpdatePrecondition(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)

	_, err = s.Update(ctx, ev.Path, `"stale"`, CalendarContent(NewMockEvent("e1", "x", t0, t1)))
	requireType(t, err, ErrPreconditionFailed)

	_, err = s.Update(ctx, "/alice/work/none.ics", "", CalendarContent(NewMockEvent("e9", "x", t0, t1)))
	requireType(t, err, ErrNotFound)

	_, err = s.Update(ctx, "/alice/work", "", CollectionContent(CollectionData{}))
	requireType(t, err, ErrBadRequest)

	_, err = s.Create(ctx, "/alice/work", "e2.ics", CalendarContent(NewMockEvent("e2", "Other", t0, t1)))
	require.NoError(t, err)
	_, err = s.Update(ctx, "/alice/work/e2.ics", "", CalendarContent(NewMockEvent("e1", "steal", t0, t1)))
	requireType(t, err, ErrConflict)
}

func TestConcurrentUpdatesWithStaleETag(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary := []string{"left", "right"}[i]
			_, errs[i] = s.Update(ctx, ev.Path, ev.ETag, CalendarContent(NewMockEvent("e1", summary, t0, t1)))
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrPreconditionFailed)
	}
	assert.Equal(t, 1, succeeded)
}

func TestDisjointWritesDoNotWaitOnBackend(t *testing.T) {
	s, backend := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.Create(ctx, "/alice", "home", CollectionContent(CollectionData{Calendar: true}))
	require.NoError(t, err)

	entered, release := make(chan struct{}), make(chan struct{})
	slow := func(puts []*Record) bool {
		return slices.ContainsFunc(puts, func(r *Record) bool { return r.Path == "/alice/work/slow.ics" })
	}
	backend.ExpectedCalls = removeMatchingCalls(backend.ExpectedCalls, "Apply")
	backend.On("Apply", mock.Anything, mock.MatchedBy(slow), mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()
	backend.On("Apply", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	slowDone := make(chan error, 1)
	go func() {
		_, err := s.Create(ctx, "/alice/work", "slow.ics", CalendarContent(NewMockEvent("s1", "Slow", t0, t1)))
		slowDone <- err
	}()
	<-entered

	_, err = s.Create(ctx, "/alice/home", "fast.ics", CalendarContent(NewMockEvent("f1", "Fast", t0, t1)))
	require.NoError(t, err)
	_, err = s.Resolve(ctx, "/alice/work/slow.ics")
	requireType(t, err, ErrNotFound)

	sameDone := make(chan error, 1)
	go func() {
		_, err := s.Create(ctx, "/alice/work", "same.ics", CalendarContent(NewMockEvent("s1", "Same UID", t0, t1)))
		sameDone <- err
	}()
	select {
	case <-sameDone:
		t.Fatal("write to the same collection finished before the pending one")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-slowDone)
	requireType(t, <-sameDone, ErrConflict)
	_, err = s.Resolve(ctx, "/alice/work/slow.ics")
	require.NoError(t, err)
}

func TestPutConditions(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	p := "/alice/work/e1.ics"
	content := CalendarContent(NewMockEvent("e1", "Review", t0, t1))

	_, _, err := s.Put(ctx, p, content, Conditions{IfMatch: mo.Some("*")})
	requireType(t, err, ErrPreconditionFailed)

	n, created, err := s.Put(ctx, p, content, Conditions{IfNoneMatch: mo.Some("*")})
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = s.Put(ctx, p, content, Conditions{IfNoneMatch: mo.Some("*")})
	requireType(t, err, ErrPreconditionFailed)

	updated, created, err := s.Put(ctx, p, CalendarContent(NewMockEvent("e1", "v2", t0, t1)), Conditions{IfMatch: mo.Some(n.ETag)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotEqual(t, n.ETag, updated.ETag)
	assert.Equal(t, n.ID, updated.ID)

	_, _, err = s.Put(ctx, p, content, Conditions{IfMatch: mo.Some(n.ETag)})
	requireType(t, err, ErrPreconditionFailed)

	_, _, err = s.Put(ctx, "/alice/work", content, Conditions{})
	requireType(t, err, ErrBadRequest)
}

func TestDeleteCascadesAndRepeats(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)
	_, err = s.AddTicket(ctx, ev.Path, TicketRecord{ID: "tk", Capabilities: []string{"read"}})
	require.NoError(t, err)

	err = s.Delete(ctx, "/alice/work", mo.Some(`"wrong"`))
	requireType(t, err, ErrPreconditionFailed)

	require.NoError(t, s.Delete(ctx, "/alice/work", mo.None[string]()))
	for _, p := range []string{"/alice/work", "/alice/work/e1.ics"} {
		_, err := s.Resolve(ctx, p)
		requireType(t, err, ErrNotFound)
	}
	_, _, err = s.Ticket(ctx, "tk")
	requireType(t, err, ErrNotFound)

	for range 2 {
		requireType(t, s.Delete(ctx, "/alice/work", mo.None[string]()), ErrNotFound)
	}
	requireType(t, s.Delete(ctx, "/", mo.None[string]()), ErrForbidden)
}

func TestMove(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.Create(ctx, "/alice", "home", CollectionContent(CollectionData{Calendar: true, TimeZone: "Europe/Berlin"}))
	require.NoError(t, err)
	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)

	moved, err := s.Move(ctx, ev.Path, "/alice/home/renamed.ics", false)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, moved.ID)
	assert.Equal(t, ev.UID, moved.UID)
	assert.Equal(t, ev.ETag, moved.ETag)
	_, err = s.Resolve(ctx, ev.Path)
	requireType(t, err, ErrNotFound)

	// Moving a collection rewrites every descendant path.
	_, err = s.Move(ctx, "/alice/home", "/alice/personal", false)
	require.NoError(t, err)
	got, err := s.Resolve(ctx, "/alice/personal/renamed.ics")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)

	_, err = s.Create(ctx, "/alice/work", "e2.ics", CalendarContent(NewMockEvent("e2", "Other", t0, t1)))
	require.NoError(t, err)
	_, err = s.Move(ctx, "/alice/personal/renamed.ics", "/alice/work/e2.ics", false)
	requireType(t, err, ErrPreconditionFailed)
	_, err = s.Move(ctx, "/alice/personal/renamed.ics", "/alice/work/e2.ics", true)
	require.NoError(t, err)
	kids, err := s.Children(ctx, "/alice/work")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "e1", kids[0].UID)

	_, err = s.Move(ctx, "/alice", "/alice/work/inside", false)
	requireType(t, err, ErrBadRequest)
	_, err = s.Move(ctx, "/alice/work", "/nobody/work", false)
	requireType(t, err, ErrConflict)
	_, err = s.Move(ctx, "/alice/work", "/alice/work", false)
	requireType(t, err, ErrForbidden)
	_, err = s.Move(ctx, "/alice/missing", "/alice/x", false)
	requireType(t, err, ErrNotFound)
}

func TestCopy(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)
	_, err = s.AddTicket(ctx, "/alice/work", TicketRecord{ID: "tk", Capabilities: []string{"read"}})
	require.NoError(t, err)

	_, err = s.Copy(ctx, ev.Path, "/alice/work/dup.ics", false)
	requireType(t, err, ErrConflict)

	cp, err := s.Copy(ctx, "/alice/work", "/alice/archive", false)
	require.NoError(t, err)
	assert.NotEqual(t, "/alice/work", cp.Path)
	assert.Empty(t, cp.Tickets)

	copied, err := s.Resolve(ctx, "/alice/archive/e1.ics")
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, copied.ID)
	assert.Equal(t, cp.ID, copied.ParentID)
	assert.Equal(t, ev.ETag, copied.ETag)
	assert.Equal(t, "e1", copied.UID)

	_, err = s.Resolve(ctx, ev.Path)
	require.NoError(t, err)
}

func TestSetProperties(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.SetProperties(ctx, "/alice/work", "", map[string]string{PropScheduleTransp: "transparent", PropDisplayName: "Work"}, nil)
	require.NoError(t, err)
	n, err := s.Resolve(ctx, "/alice/work")
	require.NoError(t, err)
	assert.True(t, n.Collection.ExcludeFreeBusyRollup)
	assert.Equal(t, "Work", n.DisplayName)
	assert.Empty(t, n.Properties)

	_, err = s.SetProperties(ctx, "/alice", "", map[string]string{PropScheduleTransp: "transparent"}, nil)
	requireType(t, err, ErrConflict)

	_, err = s.SetProperties(ctx, "/alice/work", `"stale"`, map[string]string{"{x:}a": "b"}, nil)
	requireType(t, err, ErrPreconditionFailed)
}

func TestSnapshotAndWalk(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)
	_, err = s.Create(ctx, "/alice", "files", CollectionContent(CollectionData{}))
	require.NoError(t, err)
	_, err = s.Create(ctx, "/alice/files", "a.txt", FileContent([]byte("a"), ""))
	require.NoError(t, err)

	paths := func(nodes []*Node) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.Path)
		}
		return out
	}
	snap, err := s.Snapshot(ctx, "/alice", DepthOne)
	require.NoError(t, err)
	assert.Equal(t, []string{"/alice", "/alice/files", "/alice/work"}, paths(snap))

	snap, err = s.Snapshot(ctx, "/alice", DepthInfinity)
	require.NoError(t, err)
	assert.Equal(t, []string{"/alice", "/alice/files", "/alice/files/a.txt", "/alice/work", "/alice/work/e1.ics"}, paths(snap))

	var visited []string
	err = s.Walk(ctx, "/alice", DepthInfinity, func(n *Node) error {
		visited = append(visited, n.Path)
		if n.Name == "files" {
			return ErrSkip
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/alice", "/alice/files", "/alice/work", "/alice/work/e1.ics"}, visited)

	// A snapshot is not affected by later mutations.
	before, err := s.Snapshot(ctx, "/alice/work", DepthOne)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "/alice/work/e1.ics", mo.None[string]()))
	assert.Len(t, before, 2)
	assert.Equal(t, "e1", before[1].UID)
}

func TestBackendFailureLeavesStateUnchanged(t *testing.T) {
	s, backend := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)

	backend.FailApplies(errors.New("disk full"))
	_, err = s.Create(ctx, "/alice/work", "e2.ics", CalendarContent(NewMockEvent("e2", "x", t0, t1)))
	requireType(t, err, ErrUnavailable)
	_, err = s.Update(ctx, ev.Path, ev.ETag, CalendarContent(NewMockEvent("e1", "x", t0, t1)))
	requireType(t, err, ErrUnavailable)
	requireType(t, s.Delete(ctx, "/alice", mo.None[string]()), ErrUnavailable)

	_, err = s.Resolve(ctx, "/alice/work/e2.ics")
	requireType(t, err, ErrNotFound)
	got, err := s.Resolve(ctx, ev.Path)
	require.NoError(t, err)
	assert.Equal(t, ev.ETag, got.ETag)
}

func TestTicketRecords(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestStore(t, WithClock(clock.Now))
	seed(t, s)
	ctx := context.Background()

	n, err := s.AddTicket(ctx, "/alice/work", TicketRecord{ID: "a", Capabilities: []string{"read"}, Expires: clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.AddTicket(ctx, "/alice/work", TicketRecord{ID: "b", Capabilities: []string{"read"}, SingleUse: true})
	require.NoError(t, err)
	_, err = s.AddTicket(ctx, "/alice", TicketRecord{ID: "a"})
	requireType(t, err, ErrConflict)
	_, err = s.AddTicket(ctx, "/nobody", TicketRecord{ID: "c"})
	requireType(t, err, ErrNotFound)

	cur, err := s.Resolve(ctx, "/alice/work")
	require.NoError(t, err)
	assert.Equal(t, n.ETag, cur.ETag)
	assert.Len(t, cur.Tickets, 2)

	_, err = s.UpdateTicket(ctx, "b", func(_ *Node, rec *TicketRecord) error {
		rec.Consumed = true
		return errors.New("abort")
	})
	require.Error(t, err)
	_, rec, err := s.Ticket(ctx, "b")
	require.NoError(t, err)
	assert.False(t, rec.Consumed)

	rec, err = s.UpdateTicket(ctx, "b", func(_ *Node, rec *TicketRecord) error {
		rec.Consumed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, rec.Consumed)

	clock.Advance(2 * time.Hour)
	stats, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Tickets)
	_, _, err = s.Ticket(ctx, "a")
	requireType(t, err, ErrNotFound)

	_, err = s.AddTicket(ctx, "/alice", TicketRecord{ID: "c"})
	require.NoError(t, err)
	require.NoError(t, s.RemoveTicket(ctx, "c"))
	requireType(t, s.RemoveTicket(ctx, "c"), ErrNotFound)
}

func TestReaper(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestStore(t, WithClock(clock.Now))
	seed(t, s)
	ctx := context.Background()

	_, err := s.Lock(ctx, "/alice", LockRequest{Timeout: time.Minute})
	require.NoError(t, err)
	_, err = s.AddTicket(ctx, "/alice", TicketRecord{ID: "a", Expires: clock.Now().Add(time.Minute)})
	require.NoError(t, err)

	r, err := NewReaper(s, "@every 1h")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	r.Run()

	locks, err := s.Locks(ctx, "/alice")
	require.NoError(t, err)
	assert.Empty(t, locks)
	_, _, err = s.Ticket(ctx, "a")
	requireType(t, err, ErrNotFound)

	_, err = NewReaper(s, "not a schedule")
	assert.Error(t, err)

	r.Start()
	<-r.Stop().Done()
}
