// Package quota implements the in-memory spending aggregator of spec.md
// §4.3: one bucket per (upstream, rule), AND-semantics eligibility, and a
// periodic DB reconciler that re-seeds buckets while the increment path
// stays purely in-memory for low latency.
//
// Locking follows internal/ratelimit.Store's per-key double-checked-locking
// pattern, generalized to one mutex per upstream guarding that upstream's
// whole rule-bucket slice.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/relaygate/gateway/domain"
)

type ruleKey struct {
	periodType  string
	periodHours int
}

type bucket struct {
	rule        domain.Rule
	periodStart time.Time
	resetsAt    *time.Time
	spending    float64
}

// upstreamQuota holds every rule bucket for one upstream behind one mutex —
// spec.md's "single logical lock per upstream".
type upstreamQuota struct {
	mu      sync.Mutex
	buckets []bucket
}

// Source supplies historical billed spend for reconciliation. Implemented by
// internal/requestlog.Store.
type Source interface {
	SumBilledCost(ctx context.Context, upstreamID string, since time.Time) (float64, error)
}

// Tracker is the process-wide quota aggregator; one instance per gateway.
type Tracker struct {
	mu        sync.RWMutex
	upstreams map[string]*upstreamQuota
	source    Source
	now       func() time.Time
}

// New creates a Tracker backed by source for reconciliation. source may be
// nil if the tracker is only ever driven by SetRules + RecordSpending (e.g.
// in tests).
func New(source Source) *Tracker {
	return &Tracker{
		upstreams: make(map[string]*upstreamQuota),
		source:    source,
		now:       time.Now,
	}
}

func (t *Tracker) getOrCreate(upstreamID string) *upstreamQuota {
	t.mu.RLock()
	uq, ok := t.upstreams[upstreamID]
	t.mu.RUnlock()
	if ok {
		return uq
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if uq, ok := t.upstreams[upstreamID]; ok {
		return uq
	}
	uq = &upstreamQuota{}
	t.upstreams[upstreamID] = uq
	return uq
}

// SetRules installs the rule set for an upstream, rebuilding any bucket
// whose rule shape changed and preserving spending for ones that match by
// (periodType, periodHours). Call this whenever config reloads.
func (t *Tracker) SetRules(upstreamID string, rules []domain.Rule) {
	uq := t.getOrCreate(upstreamID)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	now := t.now()
	next := make([]bucket, len(rules))
	for i, rule := range rules {
		key := ruleKey{periodType: rule.PeriodType, periodHours: rule.PeriodHours}
		start, resetsAt := periodBounds(key, now)

		spending := 0.0
		for _, old := range uq.buckets {
			if old.rule.PeriodType == rule.PeriodType && old.rule.PeriodHours == rule.PeriodHours {
				spending = old.spending
				break
			}
		}
		next[i] = bucket{rule: rule, periodStart: start, resetsAt: resetsAt, spending: spending}
	}
	uq.buckets = next
}

// RemoveUpstream evicts all quota state for an upstream, e.g. on deletion.
func (t *Tracker) RemoveUpstream(upstreamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.upstreams, upstreamID)
}

// RecordSpending adds cost to every rule bucket of upstreamID. Zero or
// negative cost is ignored.
func (t *Tracker) RecordSpending(upstreamID string, cost float64) {
	if cost <= 0 {
		return
	}
	uq := t.getOrCreate(upstreamID)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	t.rollBucketsLocked(uq)
	for i := range uq.buckets {
		uq.buckets[i].spending += cost
	}
}

// IsWithinQuota reports whether every rule bucket for upstreamID is under
// its limit (AND semantics). No rules configured is always within quota.
func (t *Tracker) IsWithinQuota(upstreamID string) bool {
	t.mu.RLock()
	uq, ok := t.upstreams[upstreamID]
	t.mu.RUnlock()
	if !ok {
		return true
	}

	uq.mu.Lock()
	defer uq.mu.Unlock()
	t.rollBucketsLocked(uq)
	for _, b := range uq.buckets {
		if b.spending >= b.rule.Limit {
			return false
		}
	}
	return true
}

// RuleStatus is one rule's read-only quota status, for admin display.
type RuleStatus struct {
	PeriodType string
	Limit      float64
	Spending   float64
	Exceeded   bool
}

// Status returns the per-rule spending state for an upstream plus the
// overall exceeded flag, for the getQuotaStatus admin read.
func (t *Tracker) Status(upstreamID string) (rules []RuleStatus, isExceeded bool) {
	t.mu.RLock()
	uq, ok := t.upstreams[upstreamID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}

	uq.mu.Lock()
	defer uq.mu.Unlock()
	t.rollBucketsLocked(uq)
	rules = make([]RuleStatus, len(uq.buckets))
	for i, b := range uq.buckets {
		exceeded := b.spending >= b.rule.Limit
		rules[i] = RuleStatus{PeriodType: b.rule.PeriodType, Limit: b.rule.Limit, Spending: b.spending, Exceeded: exceeded}
		isExceeded = isExceeded || exceeded
	}
	return rules, isExceeded
}

// rollBucketsLocked re-anchors daily/monthly buckets whose period has
// rolled over, resetting spending to zero. Rolling-window buckets have no
// resetsAt and are left untouched here (the in-memory running total isn't
// a true sliding sum, so SyncFromDB is what keeps rolling windows
// accurate — see package doc). Caller holds uq.mu.
func (t *Tracker) rollBucketsLocked(uq *upstreamQuota) {
	now := t.now()
	for i, b := range uq.buckets {
		if b.resetsAt != nil && !now.Before(*b.resetsAt) {
			key := ruleKey{periodType: b.rule.PeriodType, periodHours: b.rule.PeriodHours}
			start, resetsAt := periodBounds(key, now)
			uq.buckets[i].periodStart = start
			uq.buckets[i].resetsAt = resetsAt
			uq.buckets[i].spending = 0
		}
	}
}

// SyncFromDB reseeds every tracked upstream's buckets from the billed cost
// source, per rule's current period window. Upstreams with no rules
// configured are skipped (nothing to seed). Designed to be called once at
// startup and then periodically by Start.
func (t *Tracker) SyncFromDB(ctx context.Context) error {
	if t.source == nil {
		return nil
	}

	t.mu.RLock()
	ids := make([]string, 0, len(t.upstreams))
	uqs := make([]*upstreamQuota, 0, len(t.upstreams))
	for id, uq := range t.upstreams {
		ids = append(ids, id)
		uqs = append(uqs, uq)
	}
	t.mu.RUnlock()

	now := t.now()
	for i, id := range ids {
		uq := uqs[i]
		uq.mu.Lock()
		rules := make([]domain.Rule, len(uq.buckets))
		for j, b := range uq.buckets {
			rules[j] = b.rule
		}
		uq.mu.Unlock()

		spendByRule := make([]float64, len(rules))
		for j, rule := range rules {
			key := ruleKey{periodType: rule.PeriodType, periodHours: rule.PeriodHours}
			start, _ := periodBounds(key, now)
			sum, err := t.source.SumBilledCost(ctx, id, start)
			if err != nil {
				return err
			}
			spendByRule[j] = sum
		}

		uq.mu.Lock()
		for j := range uq.buckets {
			if j < len(spendByRule) {
				uq.buckets[j].spending = spendByRule[j]
			}
		}
		uq.mu.Unlock()
	}
	return nil
}

// Start launches the background reconciler goroutine, re-seeding every
// interval (default 60s, per spec.md §4.3) until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = t.SyncFromDB(ctx)
			}
		}
	}()
}
