// Package store is the process-local tier of the two-tier cache
// (spec.md §4.4): a capacity-bounded key -> LocalEntry mapping evicted
// by LRU and by TTL, safe under concurrent readers/writers with at most
// one lock acquisition per operation on the fast path.
package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chaliy/pgcache/internal/model"
)

// Store is the local cache tier. A Store with capacity 0 disables the
// local tier entirely (spec.md §4.4): every method becomes a no-op/miss,
// so correctness must not depend on the local tier being present.
type Store struct {
	mu       sync.RWMutex
	cache    *lru.Cache[string, *model.LocalEntry]
	capacity int
	now      func() time.Time
}

// New builds a Store with the given capacity. capacity == 0 disables
// the local tier.
func New(capacity int) (*Store, error) {
	s := &Store{capacity: capacity, now: time.Now}

	if capacity > 0 {
		c, err := lru.New[string, *model.LocalEntry](capacity)
		if err != nil {
			return nil, err
		}

		s.cache = c
	}

	return s, nil
}

// Disabled reports whether the local tier is a no-op (capacity 0).
func (s *Store) Disabled() bool { return s.capacity == 0 }

// Lookup returns the entry for key, or ok=false on a miss: capacity 0,
// absent key, an LRU eviction, or an entry whose TTL has passed.
func (s *Store) Lookup(key []byte) (model.LocalEntry, bool) {
	if s.Disabled() {
		return model.LocalEntry{}, false
	}

	s.mu.RLock()
	entry, ok := s.cache.Get(string(key))
	s.mu.RUnlock()

	if !ok {
		return model.LocalEntry{}, false
	}

	if !entry.Fresh(s.now()) {
		// Expired-but-not-yet-reaped: treat as absent without taking the
		// write lock here: removing it is the reaper's job, and letting a
		// concurrent writer install a fresher entry is harmless.
		return model.LocalEntry{}, false
	}

	return *entry, true
}

// LookupStale returns the entry for key ignoring its TTL, for the
// serve_stale_on_error policy (spec.md §9): when the backend is
// unavailable, a cache that still remembers the last known value may
// choose to return it rather than fail the caller outright. Still
// returns ok=false for a true miss (capacity 0, absent key, or an LRU
// eviction).
func (s *Store) LookupStale(key []byte) (model.LocalEntry, bool) {
	if s.Disabled() {
		return model.LocalEntry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache.Get(string(key))
	if !ok {
		return model.LocalEntry{}, false
	}

	return *entry, true
}

// Install inserts or updates the local entry for key, subject to the
// monotonic-version invariant from spec.md §3: an install carrying a
// version <= the currently-held version is dropped (a peer's stale
// upsert losing a race, or a delayed local write racing a newer read).
// Returns true when the entry was actually installed.
func (s *Store) Install(key []byte, entry model.LocalEntry) bool {
	if s.Disabled() {
		return false
	}

	k := string(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache.Peek(k); ok && existing.Version >= entry.Version {
		return false
	}

	s.cache.Add(k, &entry)

	return true
}

// Invalidate unconditionally removes the local entry for key (spec.md
// §4.7 "invalidate"), used both by the public Cache.Invalidate and by
// the listener callback on delete/stale events.
func (s *Store) Invalidate(key []byte) {
	if s.Disabled() {
		return
	}

	s.mu.Lock()
	s.cache.Remove(string(key))
	s.mu.Unlock()
}

// Clear removes every local entry, used on listener resync when the
// policy is "drop everything" (spec.md §4.5).
func (s *Store) Clear() {
	if s.Disabled() {
		return
	}

	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
}

// Len reports the number of entries currently held (including any not
// yet reaped past their TTL); mainly for tests and Stats.
func (s *Store) Len() int {
	if s.Disabled() {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cache.Len()
}

// ReapExpired removes every entry whose TTL has passed as of now,
// implementing spec.md §4.4's "a periodic reaper removes them" and the
// TTL-bound testable property (spec.md §8): no entry survives in the
// local tier past expires_at + reaper_interval once this has run.
func (s *Store) ReapExpired(now time.Time) int {
	if s.Disabled() {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string

	for _, k := range s.cache.Keys() {
		if entry, ok := s.cache.Peek(k); ok && !entry.Fresh(now) {
			expired = append(expired, k)
		}
	}

	for _, k := range expired {
		s.cache.Remove(k)
	}

	return len(expired)
}

// Reaper runs ReapExpired every interval until stop is called, returning
// a stop function. Mirrors the background-task pattern the gateway's
// optional sweep_expired uses, kept as a plain goroutine + ticker rather
// than introducing a scheduler dependency (ambient concern, not domain
// logic worth a third-party library).
func (s *Store) Reaper(interval time.Duration) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				s.ReapExpired(t)
			}
		}
	}()

	return func() { close(done) }
}
