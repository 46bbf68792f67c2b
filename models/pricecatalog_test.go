package models

import (
	"testing"
	"time"

	"github.com/relaygate/gateway/domain"
)

func ptr(f float64) *float64 { return &f }

func TestPriceOfMissingModel(t *testing.T) {
	pc := NewPriceCatalog(nil)
	if _, ok := pc.PriceOf("unknown/model"); ok {
		t.Fatal("expected no entry for an unknown model")
	}
}

func TestPriceOfLitellmBeatsOpenrouter(t *testing.T) {
	pc := NewPriceCatalog(nil)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	pc.SetSynced([]domain.PriceEntry{
		{Model: "gpt-4", Source: domain.SourceOpenrouter, InputPricePerMillion: ptr(1), SyncedAt: newer},
		{Model: "gpt-4", Source: domain.SourceLitellm, InputPricePerMillion: ptr(2), SyncedAt: older},
	})
	e, ok := pc.PriceOf("gpt-4")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.Source != domain.SourceLitellm {
		t.Fatalf("expected litellm to win despite being older, got %s", e.Source)
	}
}

func TestPriceOfTieBreakWithinSameSource(t *testing.T) {
	pc := NewPriceCatalog(nil)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	pc.SetSynced([]domain.PriceEntry{
		{Model: "gpt-4", Source: domain.SourceLitellm, InputPricePerMillion: ptr(1), SyncedAt: older},
		{Model: "gpt-4", Source: domain.SourceLitellm, InputPricePerMillion: ptr(3), SyncedAt: newer},
	})
	e, ok := pc.PriceOf("gpt-4")
	if !ok || *e.InputPricePerMillion != 3 {
		t.Fatalf("expected the most recent same-source entry to win, got %+v", e)
	}
}

func TestPriceOfManualOverrideAlwaysWins(t *testing.T) {
	pc := NewPriceCatalog(nil)
	pc.SetSynced([]domain.PriceEntry{
		{Model: "gpt-4", Source: domain.SourceLitellm, InputPricePerMillion: ptr(2), SyncedAt: time.Now()},
	})
	pc.SetOverrides([]domain.PriceEntry{
		{Model: "gpt-4", InputPricePerMillion: ptr(99)},
	})
	e, ok := pc.PriceOf("gpt-4")
	if !ok || *e.InputPricePerMillion != 99 {
		t.Fatalf("expected manual override to win, got %+v", e)
	}
	if e.Source != domain.SourceManualOverride {
		t.Fatalf("expected source manual_override, got %s", e.Source)
	}
}
