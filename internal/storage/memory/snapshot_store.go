// Package memory keeps the latest result snapshot in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// SnapshotStore holds one result in memory. It does not survive a restart and
// is meant for development and tests.
type SnapshotStore struct {
	mu     sync.RWMutex
	result *scrape.Result
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Save replaces the stored result.
func (s *SnapshotStore) Save(_ context.Context, result scrape.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := result
	s.result = &stored
	return nil
}

// Load returns the stored result or scrape.ErrNotFound.
func (s *SnapshotStore) Load(context.Context) (scrape.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return scrape.Result{}, scrape.ErrNotFound
	}
	return *s.result, nil
}

// Close is a no-op.
func (s *SnapshotStore) Close() error {
	return nil
}
