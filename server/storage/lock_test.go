package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockedBy(t *testing.T, err error) *Error {
	t.Helper()
	var se *Error
	require.True(t, errors.As(err, &se), "unexpected error %v", err)
	require.Equal(t, ErrLocked, se.Type)
	return se
}

func TestLockManagerConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewLockManager(DefaultLockConfig, nil)

	shared, err := m.Lock(ctx, "/alice/work", LockRequest{Owner: "alice", Scope: LockShared, Depth: DepthInfinity})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(shared.Token, LockTokenPrefix))
	assert.Equal(t, DefaultLockConfig.DefaultTimeout, shared.Timeout)

	_, err = m.Lock(ctx, "/alice", LockRequest{Owner: "carol", Depth: DepthInfinity})
	se := lockedBy(t, err)
	assert.Equal(t, "/alice/work", se.Path)
	assert.Equal(t, shared.Token, se.Token)

	_, err = m.Lock(ctx, "/alice/work/e1.ics", LockRequest{Owner: "bob", Scope: LockShared, Depth: DepthZero})
	require.NoError(t, err)

	// A depth-zero lock on a collection does not reach its members.
	_, err = m.Lock(ctx, "/alice", LockRequest{Owner: "carol", Depth: DepthZero})
	require.NoError(t, err)

	_, err = m.Lock(ctx, "/alice/work/e1.ics", LockRequest{Owner: "carol"})
	lockedBy(t, err)

	// Held tokens do not conflict.
	_, err = m.Lock(ctx, "/alice/work/e2.ics", LockRequest{Owner: "alice"}, shared.Token)
	require.NoError(t, err)

	capped, err := m.Lock(ctx, "/bob", LockRequest{Owner: "bob", Depth: DepthInfinity, Timeout: 48 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, DefaultLockConfig.MaxTimeout, capped.Timeout)
	assert.Empty(t, m.Active("/bobby"))
	active := m.Active("/bob/calendar")
	require.Len(t, active, 1)
	assert.Equal(t, capped.Token, active[0].Token)
}

func TestLockManagerRefreshAndUnlock(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(DefaultLockConfig, clock.Now)
	ctx := context.Background()

	l, err := m.Lock(ctx, "/alice", LockRequest{Depth: DepthInfinity, Timeout: time.Minute})
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	refreshed, err := m.Refresh(l.Token, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Minute), refreshed.Expires)

	_, err = m.Refresh("opaquelocktoken:unknown", time.Minute)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = m.Unlock("/bob", l.Token)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = m.Unlock("/alice/work", l.Token)
	require.NoError(t, err)
	_, err = m.Unlock("/alice", l.Token)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLockManagerExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(DefaultLockConfig, clock.Now)
	ctx := context.Background()

	_, err := m.Lock(ctx, "/alice", LockRequest{Timeout: time.Minute})
	require.NoError(t, err)
	_, err = m.Lock(ctx, "/bob", LockRequest{Timeout: time.Hour})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Empty(t, m.Active("/alice"))
	_, err = m.Lock(ctx, "/alice", LockRequest{})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{"/alice", "/bob"}, m.Purge())
	assert.Empty(t, m.Purge())
}

func TestLockWaitIsBounded(t *testing.T) {
	ctx := context.Background()
	m := NewLockManager(DefaultLockConfig, nil)
	l, err := m.Lock(ctx, "/alice", LockRequest{})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Lock(ctx, "/alice", LockRequest{Wait: 30 * time.Millisecond})
	se := lockedBy(t, err)
	assert.ErrorIs(t, se.Err, errWaitExpired)
	assert.Less(t, time.Since(start), 2*time.Second)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(cctx, "/alice", LockRequest{Wait: time.Minute})
	se = lockedBy(t, err)
	assert.ErrorIs(t, se.Err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Unlock("/alice", l.Token)
	}()
	_, err = m.Lock(ctx, "/alice", LockRequest{Wait: 5 * time.Second})
	require.NoError(t, err)
}

func TestStoreLocksBlockMutations(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	l, err := s.Lock(ctx, "/alice/work", LockRequest{Owner: "alice", Depth: DepthInfinity})
	require.NoError(t, err)
	_, err = s.Locks(ctx, "/alice/work/missing.ics")
	assert.ErrorIs(t, err, ErrNotFound)
	locks, err := s.Locks(ctx, "/alice/work")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "alice", locks[0].Owner)

	content := CalendarContent(NewMockEvent("e1", "Review", t0, t1))
	_, err = s.Create(ctx, "/alice/work", "e1.ics", content, WithWaitTimeout(10*time.Millisecond))
	se := lockedBy(t, err)
	assert.Equal(t, "/alice/work", se.Path)
	assert.Equal(t, l.Token, se.Token)

	ev, err := s.Create(ctx, "/alice/work", "e1.ics", content, WithLockTokens(l.Token))
	require.NoError(t, err)

	_, err = s.Update(ctx, ev.Path, "", CalendarContent(NewMockEvent("e1", "v2", t0, t1)), WithWaitTimeout(0))
	lockedBy(t, err)
	_, err = s.Move(ctx, "/alice/work", "/alice/moved", false, WithWaitTimeout(0))
	lockedBy(t, err)

	// Plain reads are never blocked.
	_, err = s.Resolve(ctx, ev.Path)
	require.NoError(t, err)

	_, err = s.Lock(ctx, ev.Path, LockRequest{Owner: "bob"})
	lockedBy(t, err)

	require.NoError(t, s.Unlock(ctx, "/alice/work/e1.ics", l.Token))
	require.NoError(t, s.Delete(ctx, ev.Path, mo.None[string](), WithWaitTimeout(0)))
	assert.ErrorIs(t, s.Unlock(ctx, "/alice/work", l.Token), ErrConflict)
}

func TestStoreLockWaitsForRelease(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	l, err := s.Lock(ctx, "/alice/work", LockRequest{Depth: DepthInfinity})
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Unlock(ctx, "/alice/work", l.Token)
	}()
	_, err = s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)
}

func TestStoreLocksDieWithTheirNode(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	ev, err := s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)))
	require.NoError(t, err)
	l, err := s.Lock(ctx, ev.Path, LockRequest{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ev.Path, mo.None[string](), WithLockTokens(l.Token)))
	_, err = s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)), WithWaitTimeout(0))
	require.NoError(t, err)
	locks, err := s.Locks(ctx, ev.Path)
	require.NoError(t, err)
	assert.Empty(t, locks)

	l, err = s.Lock(ctx, "/alice/work", LockRequest{Depth: DepthInfinity})
	require.NoError(t, err)
	_, err = s.Move(ctx, "/alice/work", "/alice/moved", false, WithLockTokens(l.Token))
	require.NoError(t, err)
	locks, err = s.Locks(ctx, "/alice/moved")
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestStoreLockExpiryFreesNode(t *testing.T) {
	clock := newFakeClock()
	s, _ := newTestStore(t, WithClock(clock.Now))
	seed(t, s)
	ctx := context.Background()

	l, err := s.Lock(ctx, "/alice/work", LockRequest{Depth: DepthInfinity, Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), l.Expires)

	clock.Advance(30 * time.Second)
	_, err = s.RefreshLock(ctx, l.Token, time.Minute)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	_, err = s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)), WithWaitTimeout(0))
	lockedBy(t, err)

	clock.Advance(time.Minute)
	_, err = s.Create(ctx, "/alice/work", "e1.ics", CalendarContent(NewMockEvent("e1", "Review", t0, t1)), WithWaitTimeout(0))
	require.NoError(t, err)
	_, err = s.RefreshLock(ctx, l.Token, time.Minute)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}
