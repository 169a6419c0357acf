// Package cache holds in-process credential snapshots with per-entry TTL.
//
// The cache is a read-through mirror of the store and never authoritative:
// callers needing read-modify-write consistency rely on the store's
// conditional update, not on cache state. Writes are last-writer-wins.
package cache

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/aseleznov/connectord/internal/model"
)

// Stats reports cache contents for observability.
type Stats struct {
	Size int
	Keys []string
}

// Store is a mutex-guarded snapshot map keyed by instance id.
type Store struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]model.Snapshot
	now     func() time.Time
}

// New constructs an empty cache.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock constructs a cache with an injected clock for tests.
func NewWithClock(now func() time.Time) *Store {
	return &Store{entries: make(map[uuid.UUID]model.Snapshot), now: now}
}

// Get returns the snapshot for an instance, or absent when no entry exists
// or the entry's expiry has passed. Expired entries are removed on read.
func (s *Store) Get(id uuid.UUID) (model.Snapshot, bool) {
	s.mu.RLock()
	snap, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return model.Snapshot{}, false
	}

	now := s.now()
	if !snap.ExpiresAt.After(now) {
		// Lazy eviction: an expired snapshot must never be served.
		s.mu.Lock()
		if cur, ok := s.entries[id]; ok && !cur.ExpiresAt.After(now) {
			delete(s.entries, id)
		}
		s.mu.Unlock()
		return model.Snapshot{}, false
	}

	// Stamp LastUsed on the current entry, never on the copy read above: a
	// Set that landed between the read and this lock must win.
	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur.ExpiresAt.After(now) {
		cur.LastUsed = now
		s.entries[id] = cur
		snap = cur
	}
	s.mu.Unlock()
	snap.LastUsed = now
	return snap, true
}

// Set overwrites the entry unconditionally, stamping CachedAt and LastUsed.
func (s *Store) Set(id uuid.UUID, snap model.Snapshot) {
	now := s.now()
	snap.CachedAt = now
	snap.LastUsed = now

	s.mu.Lock()
	s.entries[id] = snap
	s.mu.Unlock()
}

// Invalidate removes the entry, reporting whether one existed.
func (s *Store) Invalidate(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

// Sweep removes every expired entry and returns the count removed. Get
// already hides expired entries; the sweep just reclaims memory.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, snap := range s.entries {
		if !snap.ExpiresAt.After(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Stats returns current size and keys.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for id := range s.entries {
		keys = append(keys, id.String())
	}
	return Stats{Size: len(s.entries), Keys: keys}
}
