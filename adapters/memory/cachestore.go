// Package memory provides in-memory implementations of storage ports,
// used in tests and for running without persistence.
package memory

import (
	"context"
	"sync"

	"github.com/imgrelay/imgrelay/domain/cache"
	"github.com/imgrelay/imgrelay/ports"
)

// CacheStore implements ports.CacheStore with a mutex-guarded map.
type CacheStore struct {
	mu      sync.RWMutex
	clock   ports.Clock
	entries map[string]cache.Entry
}

// NewCacheStore creates an empty in-memory cache store.
func NewCacheStore(clock ports.Clock) *CacheStore {
	return &CacheStore{
		clock:   clock,
		entries: make(map[string]cache.Entry),
	}
}

// Put stores an entry, replacing any previous value for the key.
func (s *CacheStore) Put(ctx context.Context, e cache.Entry) error {
	if e.ETag == "" {
		e.ETag = cache.ETagFor(e.Body)
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = s.clock.Now().UTC()
	}

	// Copy the body so callers cannot mutate the stored entry.
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	e.Body = body

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key] = e
	return nil
}

// Get retrieves an entry with its body.
func (s *CacheStore) Get(ctx context.Context, key string) (cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return cache.Entry{}, ports.ErrNotFound
	}
	return e, nil
}

// Head retrieves entry metadata without the body.
func (s *CacheStore) Head(ctx context.Context, key string) (cache.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return cache.Meta{}, ports.ErrNotFound
	}
	return e.Meta(), nil
}

// Delete removes an entry.
func (s *CacheStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return ports.ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

// Stats summarizes the store contents.
func (s *CacheStore) Stats(ctx context.Context) (cache.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st cache.Stats
	for _, e := range s.entries {
		st.Entries++
		st.TotalBytes += int64(len(e.Body))
	}
	return st, nil
}

// Ensure interface compliance.
var _ ports.CacheStore = (*CacheStore)(nil)
