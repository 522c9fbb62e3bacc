package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SweepInterval is how often stale in-memory buckets are removed.
const SweepInterval = 5 * time.Minute

// MemoryStore keeps buckets in a process-local map.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore returns an empty store. A nil clock means the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, entries: make(map[string]*Entry)}
}

// Hit implements Store. An expired bucket behaves as if absent.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (Entry, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.ResetAt) {
		e = &Entry{Count: 1, ResetAt: now.Add(window)}
		s.entries[key] = e
		return *e, nil
	}
	e.Count++
	return *e, nil
}

// Sweep removes buckets whose window has passed and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if now.After(e.ResetAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
