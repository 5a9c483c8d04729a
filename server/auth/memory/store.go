// Package memory keeps principals and their access grants in memory.
package memory

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/zeebo/blake3"
)

// account is one registered principal. The password is kept only as a
// BLAKE3 digest keyed with a per-account salt.
type account struct {
	salt   [32]byte
	digest []byte
	// grants are collection paths outside the principal's home that it
	// may reach, mapped to whether the grant is read-only.
	grants map[string]bool
}

func newAccount(password string) (*account, error) {
	a := &account{grants: map[string]bool{}}
	if _, err := rand.Read(a.salt[:]); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	a.digest = a.hash(password)
	return a, nil
}

func (a *account) hash(password string) []byte {
	h, err := blake3.NewKeyed(a.salt[:])
	if err != nil {
		// The salt is always 32 bytes.
		panic(err)
	}
	h.WriteString(password)
	return h.Sum(nil)
}

func (a *account) verify(password string) bool {
	return subtle.ConstantTimeCompare(a.hash(password), a.digest) == 1
}

// grantFor returns the grant covering path, if any.
func (a *account) grantFor(path string) (readOnly, ok bool) {
	for root, ro := range a.grants {
		if storage.IsAncestor(root, path) {
			if !ro {
				return false, true
			}
			readOnly, ok = true, true
		}
	}
	return readOnly, ok
}

// Store authenticates principals with HTTP Basic credentials. A principal
// owns its home collection ("/<id>") and may be granted others.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]*account),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers a principal. Names are unique.
func (s *Store) AddUser(username, password string) error {
	if username == "" {
		return fmt.Errorf("empty username")
	}
	a, err := newAccount(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; exists {
		s.logger.Warn("user already registered", "username", username)
		return fmt.Errorf("user already exists: %s", username)
	}
	s.accounts[username] = a
	s.logger.Info("user registered", "username", username)
	return nil
}

// SetPassword replaces the password of a registered principal.
func (s *Store) SetPassword(username, password string) error {
	fresh, err := newAccount(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[username]
	if !ok {
		return fmt.Errorf("no such user: %s", username)
	}
	fresh.grants = a.grants
	s.accounts[username] = fresh
	s.logger.Info("password changed", "username", username)
	return nil
}

// RemoveUser forgets a principal and every grant it held.
func (s *Store) RemoveUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; !ok {
		return fmt.Errorf("no such user: %s", username)
	}
	delete(s.accounts, username)
	s.logger.Info("user removed", "username", username)
	return nil
}

// Grant lets username reach the subtree at root. A read-only grant only
// admits safe methods, which the caller checks with ReadOnly.
func (s *Store) Grant(username, root string, readOnly bool) error {
	root = storage.CleanPath(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[username]
	if !ok {
		return fmt.Errorf("no such user: %s", username)
	}
	a.grants[root] = readOnly
	s.logger.Info("access granted", "username", username, "root", root, "read_only", readOnly)
	return nil
}

// Revoke drops the grant of username on root.
func (s *Store) Revoke(username, root string) {
	root = storage.CleanPath(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[username]; ok {
		delete(a.grants, root)
	}
}

// ReadOnly reports whether principal reaches path only through a
// read-only grant.
func (s *Store) ReadOnly(principal *auth.Principal, path string) bool {
	if principal == nil || storage.PrincipalOf(path) == principal.ID {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[principal.ID]
	if !ok {
		return false
	}
	ro, _ := a.grantFor(storage.CleanPath(path))
	return ro
}

func invalidCredentials() error {
	return &auth.Error{Type: auth.ErrInvalidCredentials, Message: "invalid username or password"}
}

// Authenticate implements auth.Authenticator.
func (s *Store) Authenticate(ctx context.Context, creds auth.Credentials) (*auth.Principal, error) {
	s.mu.RLock()
	a, ok := s.accounts[creds.Username]
	s.mu.RUnlock()
	switch {
	case !ok:
		s.logger.Info("authentication failed", "username", creds.Username, "reason", "unknown user")
		return nil, invalidCredentials()
	case !a.verify(creds.Password):
		s.logger.Info("authentication failed", "username", creds.Username, "reason", "bad password")
		return nil, invalidCredentials()
	}
	s.logger.Debug("authenticated", "username", creds.Username)
	return &auth.Principal{ID: creds.Username}, nil
}

// ValidateAccess implements auth.Authenticator. A principal reaches its
// home collection and the subtrees granted to it.
func (s *Store) ValidateAccess(ctx context.Context, principal *auth.Principal, path string) error {
	if principal == nil {
		return &auth.Error{Type: auth.ErrUnauthorized, Message: "authentication required"}
	}
	path = storage.CleanPath(path)
	if storage.PrincipalOf(path) == principal.ID {
		return nil
	}

	s.mu.RLock()
	a, ok := s.accounts[principal.ID]
	granted := false
	if ok {
		_, granted = a.grantFor(path)
	}
	s.mu.RUnlock()
	if granted {
		s.logger.Debug("access through grant", "username", principal.ID, "path", path)
		return nil
	}

	s.logger.Warn("access denied", "username", principal.ID, "path", path)
	return &auth.Error{
		Type:    auth.ErrForbidden,
		Message: fmt.Sprintf("access denied to resource: %s", path),
	}
}

// Users returns the registered usernames in sorted order.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.accounts))
}
