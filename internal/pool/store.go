// Package pool holds the set of upstream proxies currently available for forwarding.
package pool

import (
	"errors"
	"math/rand/v2"
	"sync"

	"proxy-rotator-go/internal/model"
)

// ErrPoolEmpty is returned by Sample when no upstream proxies are loaded.
var ErrPoolEmpty = errors.New("no upstream proxies available")

// Store is the shared upstream proxy pool. Replace installs a new slice under
// the write lock; Sample reads under the read lock. Entries are never mutated
// after installation, so a reader always sees one complete generation.
type Store struct {
	mu      sync.RWMutex
	entries []model.UpstreamProxy
}

// NewStore creates an empty pool.
func NewStore() *Store {
	return &Store{}
}

// Replace discards the current contents and installs entries.
// The slice is copied; the caller may reuse it.
func (s *Store) Replace(entries []model.UpstreamProxy) {
	next := make([]model.UpstreamProxy, len(entries))
	copy(next, entries)

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
}

// Sample returns one entry chosen uniformly at random.
func (s *Store) Sample() (model.UpstreamProxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return "", ErrPoolEmpty
	}
	return s.entries[rand.IntN(len(s.entries))], nil
}

// Len returns the number of entries in the pool.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the current contents.
func (s *Store) Snapshot() []model.UpstreamProxy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UpstreamProxy, len(s.entries))
	copy(out, s.entries)
	return out
}
