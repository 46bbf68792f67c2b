// Package affinity implements the sticky-session binding store of spec.md
// §4.5: a sessionId → upstreamId mapping with idle TTL expiry and migration
// once an accumulated per-session metric crosses a configured threshold.
//
// The map follows internal/ratelimit.Store's per-key map shape but is
// guarded by a single mutex shared by all sessions;
// idle-entry sweeping follows internal/cache/memory.go's eviction loop,
// adapted from LRU capacity eviction to TTL-only sweeping on a timer.
package affinity

import (
	"sync"
	"time"

	"github.com/relaygate/gateway/domain"
)

// DefaultIdleTTL is the default binding idle expiry, per spec.md §4.5.
const DefaultIdleTTL = 30 * time.Minute

type entry struct {
	binding  domain.AffinityBinding
	lastSeen time.Time
}

// Store holds one binding per session id.
type Store struct {
	mu       sync.Mutex
	bindings map[string]*entry
	idleTTL  time.Duration
	now      func() time.Time
}

// New creates a Store with the given idle TTL (DefaultIdleTTL if <= 0).
func New(idleTTL time.Duration) *Store {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Store{bindings: make(map[string]*entry), idleTTL: idleTTL, now: time.Now}
}

// Get returns the live binding for sessionID, or false if none exists or it
// has idled out (in which case it is evicted).
func (s *Store) Get(sessionID string) (domain.AffinityBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.bindings[sessionID]
	if !ok {
		return domain.AffinityBinding{}, false
	}
	if s.now().Sub(e.lastSeen) > s.idleTTL {
		delete(s.bindings, sessionID)
		return domain.AffinityBinding{}, false
	}
	return e.binding, true
}

// Establish records a new (or replaced) binding for sessionID.
func (s *Store) Establish(sessionID, upstreamID string) domain.AffinityBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	binding := domain.AffinityBinding{SessionID: sessionID, UpstreamID: upstreamID, EstablishedAt: now}
	s.bindings[sessionID] = &entry{binding: binding, lastSeen: now}
	return binding
}

// Drop removes a session's binding, e.g. when migration triggers or the
// bound upstream became ineligible.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, sessionID)
}

// RecordMetric adds delta (tokens or response body length, per the
// upstream's affinityMigration.metric) to the session's accumulated metric
// and refreshes its idle deadline. Returns the new accumulated total and
// whether the binding still exists (it may have idled out concurrently).
func (s *Store) RecordMetric(sessionID string, delta int64) (total int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.bindings[sessionID]
	if !exists {
		return 0, false
	}
	e.binding.AccumulatedMetric += delta
	e.lastSeen = s.now()
	return e.binding.AccumulatedMetric, true
}

// ShouldMigrate reports whether a session bound under cfg has crossed its
// migration threshold.
func ShouldMigrate(cfg *domain.AffinityMigration, accumulated int64) bool {
	return cfg != nil && cfg.Enabled && accumulated >= cfg.Threshold
}

// Sweep removes every binding whose idle TTL has elapsed as of now. Intended
// to run on a background timer; O(1) per swept entry, no I/O, matching the
// "no I/O under lock" discipline for per-session state.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.bindings {
		if now.Sub(e.lastSeen) > s.idleTTL {
			delete(s.bindings, id)
			removed++
		}
	}
	return removed
}

// Start launches a background goroutine that sweeps idle bindings every
// interval until done is closed. Tests use Sweep directly instead.
func (s *Store) Start(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Len returns the number of live bindings, for tests and admin introspection.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}
