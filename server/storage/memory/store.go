// memory based implementation for testing purposes
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/cyp0633/caldora/server/storage"
)

// Store implements storage.Backend using an in-memory map keyed by path.
// Records are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
}

// New creates a new in-memory backend
func New() *Store {
	return &Store{
		records: make(map[string]*storage.Record),
	}
}

func (s *Store) Get(ctx context.Context, path string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[path]
	if !ok {
		return nil, storage.NotFound(path)
	}
	return r.Clone(), nil
}

func (s *Store) List(ctx context.Context) ([]*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *storage.Record) int { return cmp.Compare(a.Path, b.Path) })
	return out, nil
}

// Apply holds the write lock for the whole change, so readers never see
// part of it.
func (s *Store) Apply(ctx context.Context, puts []*storage.Record, deletes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range deletes {
		delete(s.records, path)
	}
	for _, r := range puts {
		s.records[r.Path] = r.Clone()
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
