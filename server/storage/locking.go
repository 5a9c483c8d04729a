package storage

import (
	"context"
	"errors"
	"time"
)

// Lock grants a client lock on the node at p. Tokens in held are locks
// the caller already owns and do not conflict.
func (s *Store) Lock(ctx context.Context, p string, req LockRequest, held ...string) (*Lock, error) {
	p = CleanPath(p)
	if _, err := s.Resolve(ctx, p); err != nil {
		return nil, err
	}
	l, err := s.locks.acquire(ctx, p, req, held, false)
	if err != nil {
		s.logger.Warn("lock refused", "path", p, "error", err)
		return nil, err
	}
	if err := s.persistLocks(ctx, p); err != nil {
		s.locks.release(l.Token)
		return nil, err
	}
	s.logger.Info("lock granted", "path", p, "lock_token", l.Token, "scope", l.Scope, "depth", l.Depth)
	cp := *l
	return &cp, nil
}

// RefreshLock restarts the timeout of the lock with token.
func (s *Store) RefreshLock(ctx context.Context, token string, timeout time.Duration) (*Lock, error) {
	l, err := s.locks.Refresh(token, timeout)
	if err != nil {
		return nil, err
	}
	if err := s.persistLocks(ctx, l.Root); err != nil {
		return nil, err
	}
	return l, nil
}

// Unlock removes the lock with token, which must cover p.
func (s *Store) Unlock(ctx context.Context, p, token string) error {
	l, err := s.locks.Unlock(p, token)
	if err != nil {
		return err
	}
	if err := s.persistLocks(ctx, l.Root); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.logger.Info("lock released", "path", l.Root, "lock_token", token)
	return nil
}

// Locks returns the client locks covering the node at p.
func (s *Store) Locks(ctx context.Context, p string) ([]*Lock, error) {
	if _, err := s.Resolve(ctx, p); err != nil {
		return nil, err
	}
	return s.locks.Active(p), nil
}

// persistLocks rewrites the record at root so it carries the current
// client locks. A root that vanished meanwhile yields ErrNotFound.
func (s *Store) persistLocks(ctx context.Context, root string) error {
	return s.update(ctx, func(st *state, now time.Time) (*change, error) {
		n := st.lookup(root)
		if n == nil {
			return nil, NotFound(root)
		}
		return &change{puts: []*Node{n}}, nil
	})
}
