package models

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/relaygate/gateway/domain"
)

// MinPriceRefreshInterval is the floor spec.md §4.2 sets on PriceCatalog
// refresh: "not less than 60s".
const MinPriceRefreshInterval = 60 * time.Second

// PriceSource supplies synced price rows and manual overrides, typically
// backed by the billing_model_prices / billing_manual_price_overrides
// tables described in spec.md §6.
type PriceSource interface {
	LoadSyncedPrices(ctx context.Context) ([]domain.PriceEntry, error)
	LoadManualOverrides(ctx context.Context) ([]domain.PriceEntry, error)
}

// PriceCatalog is the pure in-memory lookup of spec.md §4.2: priceOf(model)
// consults manual overrides first, then the best synced entry. It uses the
// same copy-on-write atomic-swap discipline as keystore.Store — readers
// never block on a concurrent refresh.
type PriceCatalog struct {
	synced    atomic.Pointer[map[string][]domain.PriceEntry]
	overrides atomic.Pointer[map[string]domain.PriceEntry]
	source    PriceSource
}

// NewPriceCatalog creates an empty PriceCatalog backed by source. source may
// be nil for tests that only ever call SetSynced/SetOverrides directly.
func NewPriceCatalog(source PriceSource) *PriceCatalog {
	pc := &PriceCatalog{source: source}
	emptySynced := map[string][]domain.PriceEntry{}
	emptyOverrides := map[string]domain.PriceEntry{}
	pc.synced.Store(&emptySynced)
	pc.overrides.Store(&emptyOverrides)
	return pc
}

// SetSynced atomically replaces the synced price index, grouped by model.
func (pc *PriceCatalog) SetSynced(entries []domain.PriceEntry) {
	byModel := make(map[string][]domain.PriceEntry, len(entries))
	for _, e := range entries {
		byModel[e.Model] = append(byModel[e.Model], e)
	}
	pc.synced.Store(&byModel)
}

// SetOverrides atomically replaces the manual override table.
func (pc *PriceCatalog) SetOverrides(entries []domain.PriceEntry) {
	byModel := make(map[string]domain.PriceEntry, len(entries))
	for _, e := range entries {
		e.Source = domain.SourceManualOverride
		byModel[e.Model] = e
	}
	pc.overrides.Store(&byModel)
}

// PriceOf resolves a model's price entry: manual override always wins when
// present — regardless of a synced row's active/inactive state, resolving
// spec.md §9 open question (a) — otherwise the latest synced entry,
// preferring "litellm" over "openrouter" with syncedAt only breaking ties
// within the same source (open question (c)). Returns false if no entry
// exists at all; billing then marks the snapshot unbilled/no_price.
func (pc *PriceCatalog) PriceOf(model string) (domain.PriceEntry, bool) {
	overrides := *pc.overrides.Load()
	if e, ok := overrides[model]; ok {
		return e, true
	}

	synced := *pc.synced.Load()
	entries, ok := synced[model]
	if !ok || len(entries) == 0 {
		return domain.PriceEntry{}, false
	}

	best := entries[0]
	for _, e := range entries[1:] {
		if sourceRank(e.Source) > sourceRank(best.Source) {
			best = e
			continue
		}
		if sourceRank(e.Source) == sourceRank(best.Source) && e.SyncedAt.After(best.SyncedAt) {
			best = e
		}
	}
	return best, true
}

// sourceRank orders sources by preference; higher wins. litellm beats
// openrouter unconditionally when both exist, per spec.md §9(c).
func sourceRank(source string) int {
	switch source {
	case domain.SourceLitellm:
		return 2
	case domain.SourceOpenrouter:
		return 1
	default:
		return 0
	}
}

// Refresh reloads synced prices and overrides from the backing source.
func (pc *PriceCatalog) Refresh(ctx context.Context) error {
	if pc.source == nil {
		return nil
	}
	synced, err := pc.source.LoadSyncedPrices(ctx)
	if err != nil {
		return err
	}
	overrides, err := pc.source.LoadManualOverrides(ctx)
	if err != nil {
		return err
	}
	pc.SetSynced(synced)
	pc.SetOverrides(overrides)
	return nil
}

// Start launches a background refresher. interval is floored at
// MinPriceRefreshInterval.
func (pc *PriceCatalog) Start(done <-chan struct{}, interval time.Duration) {
	if interval < MinPriceRefreshInterval {
		interval = MinPriceRefreshInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = pc.Refresh(context.Background())
			}
		}
	}()
}
