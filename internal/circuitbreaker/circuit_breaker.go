// Package circuitbreaker implements the per-upstream closed/open/half-open
// state machine of spec.md §4.4. Each upstream owns exactly one
// CircuitBreaker, held in a Registry keyed by upstream id.
//
// State transitions:
//
//	Closed   → Open      on the k-th consecutive failure (k = FailureThreshold)
//	Open     → HalfOpen  after OpenDurationSec elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure
//	any      → Open      forceOpen (manual override)
//	any      → Closed    forceClose (manual override)
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed — normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen — upstream is considered failing; requests are rejected immediately.
	StateOpen
	// StateHalfOpen — circuit is testing recovery with a single in-flight probe.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// defaultForceOpenExpiry bounds how long a forceOpen override can persist
// without an explicit forceClose, so an operator mistake can't wedge an
// upstream out of rotation forever.
const defaultForceOpenExpiry = 1 * time.Hour

// Config holds one breaker's tunables. Matches domain.CircuitBreakerConfig.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDurationSec  int
	ProbeIntervalSec int
}

// DefaultConfig matches spec.md §3's CircuitBreakerState.config defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, OpenDurationSec: 300, ProbeIntervalSec: 30}
}

// CircuitBreaker guards a single upstream.
type CircuitBreaker struct {
	mu sync.Mutex

	state        State
	failureCount int
	successCount int
	cfg          Config
	openDuration time.Duration
	openUntil    time.Time

	forced       bool
	forcedUntil  time.Time

	probeInFlight bool
	lastProbeAt   time.Time

	lastFailureAt time.Time
	openedAt      time.Time
}

// New creates a CircuitBreaker with the given config. Zero-value fields fall
// back to DefaultConfig's values.
func New(cfg Config) *CircuitBreaker {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.OpenDurationSec <= 0 {
		cfg.OpenDurationSec = d.OpenDurationSec
	}
	if cfg.ProbeIntervalSec <= 0 {
		cfg.ProbeIntervalSec = d.ProbeIntervalSec
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg, openDuration: time.Duration(cfg.OpenDurationSec) * time.Second}
}

// State returns the current state, resolving Open→HalfOpen and a lapsed
// forceOpen expiry first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState()
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	now := time.Now()
	if cb.forced {
		if now.After(cb.forcedUntil) {
			cb.forced = false
		} else {
			return StateOpen
		}
	}
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.probeInFlight = false
	}
	return cb.state
}

// Allow reports whether a call should proceed. In half_open only one probe
// may be in flight at a time; concurrent callers are rejected exactly as if
// the breaker were open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		cb.lastProbeAt = time.Now()
		return true
	default:
		return true
	}
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cb.lastFailureAt = now
	switch cb.resolveState() {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
			cb.openUntil = now.Add(cb.openDuration)
		}
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.state = StateOpen
		cb.openedAt = now
		cb.openUntil = now.Add(cb.openDuration)
		cb.successCount = 0
	}
}

// ForceOpen manually opens the breaker, overriding normal transitions until
// ForceClose is called or defaultForceOpenExpiry elapses.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = true
	cb.forcedUntil = time.Now().Add(defaultForceOpenExpiry)
	cb.state = StateOpen
	cb.openedAt = time.Now()
}

// ForceClose manually closes the breaker and resets all counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forced = false
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
}

// Snapshot returns the fields an admin read or persistence layer needs,
// without exposing the mutex.
type Snapshot struct {
	State         State
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
	LastProbeAt   time.Time
	Config        Config
}

// Snapshot returns a consistent point-in-time view of the breaker.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:         cb.resolveState(),
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		LastFailureAt: cb.lastFailureAt,
		OpenedAt:      cb.openedAt,
		LastProbeAt:   cb.lastProbeAt,
		Config:        cb.cfg,
	}
}

// Registry owns one CircuitBreaker per upstream id.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewRegistry creates an empty registry; cfg is applied to breakers created
// on first access via Get.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Get returns the breaker for upstreamID, creating one with the registry's
// default config on first access.
func (r *Registry) Get(upstreamID string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[upstreamID]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[upstreamID]; ok {
		return cb
	}
	cb = New(r.cfg)
	r.breakers[upstreamID] = cb
	return cb
}

// Remove evicts a breaker, e.g. when its upstream is deleted from config.
func (r *Registry) Remove(upstreamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, upstreamID)
}

// All returns a snapshot of every registered breaker, keyed by upstream id.
func (r *Registry) All() map[string]Snapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.breakers))
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for id, cb := range r.breakers {
		ids = append(ids, id)
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(ids))
	for i, id := range ids {
		out[id] = breakers[i].Snapshot()
	}
	return out
}
