// Package router implements the candidate selection and bounded-failover
// algorithm of spec.md §4.6. It replaces the teacher's internal/strategies
// package: LoadBalance's weighted-random pick (selectFromTargets) becomes
// the per-tier weighted pick below, and Fallback's ordered-retry loop
// becomes the cross-tier failover walk exposed through Attempt/Next.
//
// Unlike the teacher's Strategy.Execute (which calls the provider itself),
// Select only decides WHERE a request should go; the caller (the
// coordinator) drives the actual HTTP attempt and reports outcomes back to
// the circuit breaker registry and quota tracker.
package router

import (
	"context"
	"hash/maphash"
	"math/rand/v2"
	"sort"

	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/quota"
)

const DefaultMaxAttempts = 3

// ExclusionReason explains why a candidate upstream was skipped.
type ExclusionReason string

const (
	ExcludedBreakerOpen    ExclusionReason = "breaker_open"
	ExcludedQuotaExceeded  ExclusionReason = "quota_exceeded"
	ExcludedModelMismatch  ExclusionReason = "model_not_allowed"
	ExcludedNotInAllowlist ExclusionReason = "upstream_not_allowed"
)

// SkipRecord is one excluded-candidate decision, kept for diagnostics.
type SkipRecord struct {
	UpstreamID string
	Reason     ExclusionReason
}

// SelectionInput is everything Select needs to build and walk a candidate
// set for one request.
type SelectionInput struct {
	Capability         domain.Capability
	Model              string
	SessionID          string
	RequestID          string
	AllowedUpstreamIDs []string
	MaxAttempts        int
}

// Attempt is one candidate the coordinator should try. AffinityEstablish is
// true when, on success, the coordinator must call affinity.Establish for
// this session — either because no binding existed yet, or because the
// previously bound upstream was no longer eligible.
type Attempt struct {
	Upstream          domain.Upstream
	ResolvedModel     string
	FromAffinity      bool
	AffinityEstablish bool
}

type candidate struct {
	upstream domain.Upstream
	resolved string
}

// Selector builds candidate tiers and walks them under breaker/quota
// eligibility, per spec.md §4.6 steps 1-7.
type Selector struct {
	breakers *circuitbreaker.Registry
	quota    *quota.Tracker
	affinity *affinity.Store
	seed     maphash.Seed
}

func New(breakers *circuitbreaker.Registry, quotaTracker *quota.Tracker, affinityStore *affinity.Store) *Selector {
	return &Selector{
		breakers: breakers,
		quota:    quotaTracker,
		affinity: affinityStore,
		seed:     maphash.MakeSeed(),
	}
}

// Iterator walks bounded failover attempts across tiers, lazily: each call
// to Next evaluates eligibility and picks a weighted-random candidate only
// when asked, so an early success never pays for unexplored tiers.
type Iterator struct {
	s             *Selector
	tiers         [][]candidate
	tierIdx       int
	attempts      int
	maxAttempts   int
	excluded      map[string]bool
	in            SelectionInput
	skipped       []SkipRecord
	affinityTried bool
}

// Select filters upstreams into eligible candidates, groups them into
// priority tiers, and returns a lazy iterator over bounded failover
// attempts (default DefaultMaxAttempts across all tiers combined).
func (s *Selector) Select(upstreams []domain.Upstream, in SelectionInput) *Iterator {
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	it := &Iterator{
		s:           s,
		maxAttempts: maxAttempts,
		excluded:    make(map[string]bool),
		in:          in,
	}

	byPriority := make(map[int][]candidate)
	for _, u := range upstreams {
		if !u.Active {
			continue
		}
		if len(in.AllowedUpstreamIDs) > 0 && !contains(in.AllowedUpstreamIDs, u.ID) {
			it.skipped = append(it.skipped, SkipRecord{UpstreamID: u.ID, Reason: ExcludedNotInAllowlist})
			continue
		}
		if !u.HasCapability(in.Capability) {
			continue
		}
		if !u.ModelAllowed(in.Model) {
			it.skipped = append(it.skipped, SkipRecord{UpstreamID: u.ID, Reason: ExcludedModelMismatch})
			continue
		}
		resolved := u.RedirectModel(in.Model)
		byPriority[u.Priority] = append(byPriority[u.Priority], candidate{upstream: u, resolved: resolved})
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	for _, p := range priorities {
		it.tiers = append(it.tiers, byPriority[p])
	}

	return it
}

// Skipped returns the candidates excluded before tiering began (allowlist
// and model-mismatch filtering), for diagnostics/logging.
func (it *Iterator) Skipped() []SkipRecord { return it.skipped }

// Next returns the next attempt to make, honoring session affinity first
// (if a live binding exists and its upstream is still eligible), then
// falling back to a weighted-random pick within the current priority tier,
// advancing to the next tier once the current one is exhausted. Returns
// false once maxAttempts is reached or no eligible candidate remains.
func (it *Iterator) Next(ctx context.Context) (*Attempt, bool) {
	if it.attempts >= it.maxAttempts {
		return nil, false
	}

	if !it.affinityTried {
		it.affinityTried = true
		if a, ok := it.tryAffinity(); ok {
			it.attempts++
			it.excluded[a.Upstream.ID] = true
			return a, true
		}
	}

	for it.tierIdx < len(it.tiers) {
		tier := it.tiers[it.tierIdx]
		eligible := it.eligibleInTier(tier)
		if len(eligible) == 0 {
			it.tierIdx++
			continue
		}

		picked := it.weightedPick(eligible)
		it.excluded[picked.upstream.ID] = true
		it.attempts++

		establish := true
		if it.in.SessionID != "" {
			if existing, ok := it.s.affinity.Get(it.in.SessionID); ok && existing.UpstreamID == picked.upstream.ID {
				establish = false
			}
		}

		return &Attempt{
			Upstream:          picked.upstream,
			ResolvedModel:     picked.resolved,
			FromAffinity:      false,
			AffinityEstablish: establish && it.in.SessionID != "",
		}, true
	}

	return nil, false
}

// tryAffinity returns the session's bound upstream as the first attempt if
// it is still present among the candidate tiers and currently eligible.
func (it *Iterator) tryAffinity() (*Attempt, bool) {
	if it.in.SessionID == "" || it.s.affinity == nil {
		return nil, false
	}
	binding, ok := it.s.affinity.Get(it.in.SessionID)
	if !ok {
		return nil, false
	}

	for _, tier := range it.tiers {
		for _, c := range tier {
			if c.upstream.ID != binding.UpstreamID {
				continue
			}
			if !it.s.eligible(c.upstream.ID) {
				it.skipped = append(it.skipped, SkipRecord{UpstreamID: c.upstream.ID, Reason: it.s.exclusionReason(c.upstream.ID)})
				return nil, false
			}
			return &Attempt{Upstream: c.upstream, ResolvedModel: c.resolved, FromAffinity: true, AffinityEstablish: false}, true
		}
	}
	return nil, false
}

func (it *Iterator) eligibleInTier(tier []candidate) []candidate {
	var eligible []candidate
	for _, c := range tier {
		if it.excluded[c.upstream.ID] {
			continue
		}
		if !it.s.eligible(c.upstream.ID) {
			it.skipped = append(it.skipped, SkipRecord{UpstreamID: c.upstream.ID, Reason: it.s.exclusionReason(c.upstream.ID)})
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

func (s *Selector) eligible(upstreamID string) bool {
	if s.breakers != nil && !s.breakers.Get(upstreamID).Allow() {
		return false
	}
	if s.quota != nil && !s.quota.IsWithinQuota(upstreamID) {
		return false
	}
	return true
}

func (s *Selector) exclusionReason(upstreamID string) ExclusionReason {
	if s.breakers != nil && !s.breakers.Get(upstreamID).Allow() {
		return ExcludedBreakerOpen
	}
	return ExcludedQuotaExceeded
}

// weightedPick seeds a per-call PRNG from (requestID or sessionID, tier,
// attempt count) via maphash so selection is deterministic for a given
// request/session but varies across requests, per spec.md §4.6 step 6.
func (it *Iterator) weightedPick(eligible []candidate) candidate {
	if len(eligible) == 1 {
		return eligible[0]
	}

	var h maphash.Hash
	h.SetSeed(it.s.seed)
	key := it.in.SessionID
	if key == "" {
		key = it.in.RequestID
	}
	h.WriteString(key)
	h.WriteByte(byte(it.tierIdx))
	h.WriteByte(byte(it.attempts))
	seed := h.Sum64()

	totalWeight := 0.0
	for _, c := range eligible {
		totalWeight += weightOf(c.upstream)
	}

	rng := rand.New(rand.NewPCG(seed, seed>>32|1))
	r := rng.Float64() * totalWeight
	cumulative := 0.0
	for _, c := range eligible {
		cumulative += weightOf(c.upstream)
		if r < cumulative {
			return c
		}
	}
	return eligible[len(eligible)-1]
}

func weightOf(u domain.Upstream) float64 {
	if u.Weight <= 0 {
		return 1
	}
	return u.Weight
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
