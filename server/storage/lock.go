package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockScope is the WebDAV lock scope.
type LockScope uint8

const (
	LockExclusive LockScope = iota + 1
	LockShared
)

func (s LockScope) String() string {
	if s == LockShared {
		return "shared"
	}
	return "exclusive"
}

// LockTokenPrefix is the URI scheme of lock tokens.
const LockTokenPrefix = "opaquelocktoken:"

// Lock is a lock on a node, or with DepthInfinity on its whole subtree.
type Lock struct {
	Token   string
	Root    string
	Owner   string
	Scope   LockScope
	Depth   Depth
	Timeout time.Duration
	// Expires is zero for locks that only live as long as an operation.
	Expires time.Time

	internal bool
}

// Covers reports whether the lock applies to p.
func (l *Lock) Covers(p string) bool {
	if l.Root == p {
		return true
	}
	return l.Depth == DepthInfinity && IsAncestor(l.Root, p)
}

func (l *Lock) expired(now time.Time) bool {
	return !l.Expires.IsZero() && !now.Before(l.Expires)
}

func (l *Lock) conflicts(other *Lock) bool {
	if !l.Covers(other.Root) && !other.Covers(l.Root) {
		return false
	}
	return l.Scope == LockExclusive || other.Scope == LockExclusive
}

// LockRequest describes a lock to take.
type LockRequest struct {
	Owner string
	Scope LockScope
	Depth Depth
	// Timeout is the requested lifetime; zero asks for the default.
	Timeout time.Duration
	// Wait bounds how long to wait for conflicting locks. Zero fails
	// immediately.
	Wait time.Duration
}

// LockConfig holds the lock timeouts of a store.
type LockConfig struct {
	// DefaultTimeout is the lifetime of a lock that asked for none.
	DefaultTimeout time.Duration
	// MaxTimeout caps requested lifetimes.
	MaxTimeout time.Duration
	// WaitTimeout bounds how long a mutation waits for a lock.
	WaitTimeout time.Duration
}

// DefaultLockConfig provides sensible defaults
var DefaultLockConfig = LockConfig{
	DefaultTimeout: 10 * time.Minute,
	MaxTimeout:     time.Hour,
	WaitTimeout:    5 * time.Second,
}

// LockManager tracks the locks of one store.
type LockManager struct {
	mu       sync.Mutex
	locks    map[string]*Lock
	released chan struct{}
	config   LockConfig
	now      Clock
}

// NewLockManager creates an empty lock table.
func NewLockManager(config LockConfig, now Clock) *LockManager {
	if now == nil {
		now = time.Now
	}
	return &LockManager{
		locks:    make(map[string]*Lock),
		released: make(chan struct{}),
		config:   config,
		now:      now,
	}
}

func (m *LockManager) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = m.config.DefaultTimeout
	}
	if m.config.MaxTimeout > 0 && requested > m.config.MaxTimeout {
		requested = m.config.MaxTimeout
	}
	return requested
}

// Lock grants a client lock on root, waiting up to req.Wait for
// conflicting locks. Locks whose tokens are in held do not conflict.
func (m *LockManager) Lock(ctx context.Context, root string, req LockRequest, held ...string) (*Lock, error) {
	l, err := m.acquire(ctx, root, req, held, false)
	if err != nil {
		return nil, err
	}
	cp := *l
	return &cp, nil
}

// acquire waits until no lock conflicts with the requested one, bounded by
// ctx and req.Wait, and records it.
func (m *LockManager) acquire(ctx context.Context, root string, req LockRequest, held []string, internal bool) (*Lock, error) {
	root = CleanPath(root)
	want := &Lock{
		Root:     root,
		Owner:    req.Owner,
		Scope:    req.Scope,
		Depth:    req.Depth,
		internal: internal,
	}
	if want.Scope == 0 {
		want.Scope = LockExclusive
	}
	if want.Depth != DepthZero {
		want.Depth = DepthInfinity
	}

	var deadline <-chan time.Time
	if req.Wait > 0 {
		timer := time.NewTimer(req.Wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		now := m.now()
		conflict := m.conflictLocked(want, held, now)
		if conflict == nil {
			want.Token = LockTokenPrefix + uuid.NewString()
			if !internal {
				want.Timeout = m.timeout(req.Timeout)
				want.Expires = now.Add(want.Timeout)
			}
			m.locks[want.Token] = want
			m.mu.Unlock()
			return want, nil
		}
		released := m.released
		expiresIn := conflict.Expires.Sub(now)
		if conflict.Expires.IsZero() {
			expiresIn = 0
		}
		m.mu.Unlock()

		if deadline == nil {
			return nil, lockedError(conflict, nil)
		}
		if err := waitRelease(ctx, released, expiresIn, deadline); err != nil {
			return nil, lockedError(conflict, err)
		}
	}
}

// errWaitExpired marks a lock wait that ran out of time.
var errWaitExpired = errors.New("lock wait timed out")

// waitRelease blocks until a lock is released, the conflicting lock
// expires (expiresIn > 0), the deadline passes or ctx ends.
func waitRelease(ctx context.Context, released <-chan struct{}, expiresIn time.Duration, deadline <-chan time.Time) error {
	var expiry <-chan time.Time
	if expiresIn > 0 {
		timer := time.NewTimer(expiresIn)
		defer timer.Stop()
		expiry = timer.C
	}
	select {
	case <-released:
		return nil
	case <-expiry:
		return nil
	case <-deadline:
		return errWaitExpired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *LockManager) conflictLocked(want *Lock, held []string, now time.Time) *Lock {
	var found *Lock
	for token, l := range m.locks {
		if l.expired(now) {
			delete(m.locks, token)
			continue
		}
		if slices.Contains(held, token) || !l.conflicts(want) {
			continue
		}
		if found == nil || strings.Compare(l.Token, found.Token) < 0 {
			found = l
		}
	}
	return found
}

func lockedError(conflict *Lock, cause error) *Error {
	return &Error{
		Type:    ErrLocked,
		Path:    conflict.Root,
		Token:   publicToken(conflict),
		Message: fmt.Sprintf("%s lock held on %s", conflict.Scope, conflict.Root),
		Err:     cause,
	}
}

// publicToken hides the tokens of operation locks.
func publicToken(l *Lock) string {
	if l.internal {
		return ""
	}
	return l.Token
}

// release drops the lock with token and wakes waiters.
func (m *LockManager) release(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[token]; !ok {
		return
	}
	delete(m.locks, token)
	m.wakeLocked()
}

func (m *LockManager) wakeLocked() {
	close(m.released)
	m.released = make(chan struct{})
}

// Refresh restarts the timeout of the client lock with token.
func (m *LockManager) Refresh(token string, timeout time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	l, ok := m.locks[token]
	if !ok || l.internal || l.expired(now) {
		return nil, &Error{Type: ErrPreconditionFailed, Token: token, Message: "no such lock"}
	}
	l.Timeout = m.timeout(timeout)
	l.Expires = now.Add(l.Timeout)
	cp := *l
	return &cp, nil
}

// Unlock removes the client lock with token. p must be covered by it.
func (m *LockManager) Unlock(p, token string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[token]
	if !ok || l.internal || l.expired(m.now()) || !l.Covers(CleanPath(p)) {
		return nil, &Error{Type: ErrConflict, Path: p, Token: token, Message: "lock token does not match resource"}
	}
	delete(m.locks, token)
	m.wakeLocked()
	return l, nil
}

// Active returns the live client locks covering p, ordered by root then
// token.
func (m *LockManager) Active(p string) []*Lock {
	p = CleanPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*Lock
	for _, l := range m.locks {
		if !l.internal && !l.expired(now) && l.Covers(p) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortLocks(out)
	return out
}

// rootedAt returns the live client locks whose root is p.
func (m *LockManager) rootedAt(p string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*Lock
	for _, l := range m.locks {
		if !l.internal && !l.expired(now) && l.Root == p {
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out
}

// install registers a persisted client lock.
func (m *LockManager) install(l *Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.expired(m.now()) {
		return
	}
	m.locks[l.Token] = l
}

// removeSubtree drops the client locks rooted at or below p.
func (m *LockManager) removeSubtree(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := false
	for token, l := range m.locks {
		if !l.internal && IsAncestor(p, l.Root) {
			delete(m.locks, token)
			removed = true
		}
	}
	if removed {
		m.wakeLocked()
	}
}

// Purge drops expired locks and returns their roots.
func (m *LockManager) Purge() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var roots []string
	for token, l := range m.locks {
		if l.expired(now) {
			delete(m.locks, token)
			if !slices.Contains(roots, l.Root) {
				roots = append(roots, l.Root)
			}
		}
	}
	if len(roots) > 0 {
		m.wakeLocked()
	}
	slices.Sort(roots)
	return roots
}

func sortLocks(locks []*Lock) {
	slices.SortFunc(locks, func(a, b *Lock) int {
		if c := strings.Compare(a.Root, b.Root); c != 0 {
			return c
		}
		return strings.Compare(a.Token, b.Token)
	})
}
