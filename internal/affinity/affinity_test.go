package affinity

import (
	"testing"
	"time"

	"github.com/relaygate/gateway/domain"
)

func TestGetMissingReturnsFalse(t *testing.T) {
	s := New(time.Minute)
	if _, ok := s.Get("session-1"); ok {
		t.Fatal("expected no binding for unknown session")
	}
}

func TestEstablishThenGet(t *testing.T) {
	s := New(time.Minute)
	s.Establish("session-1", "upstream-a")
	b, ok := s.Get("session-1")
	if !ok {
		t.Fatal("expected binding to exist after Establish")
	}
	if b.UpstreamID != "upstream-a" {
		t.Fatalf("expected upstream-a, got %s", b.UpstreamID)
	}
}

func TestGetExpiresAfterIdleTTL(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Establish("session-1", "upstream-a")
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Get("session-1"); ok {
		t.Fatal("expected binding to have idled out")
	}
}

func TestRecordMetricAccumulates(t *testing.T) {
	s := New(time.Minute)
	s.Establish("session-1", "upstream-a")
	total, ok := s.RecordMetric("session-1", 10000)
	if !ok || total != 10000 {
		t.Fatalf("expected total 10000, got %d ok=%v", total, ok)
	}
	total, ok = s.RecordMetric("session-1", 39000)
	if !ok || total != 49000 {
		t.Fatalf("expected total 49000, got %d ok=%v", total, ok)
	}
}

// TestSessionMigrationScenario matches spec.md S6.
func TestSessionMigrationScenario(t *testing.T) {
	s := New(time.Minute)
	cfg := &domain.AffinityMigration{Enabled: true, Metric: "tokens", Threshold: 50000}

	s.Establish("s1", "upstream-a")
	total, _ := s.RecordMetric("s1", 10000)
	if ShouldMigrate(cfg, total) {
		t.Fatal("expected no migration at 10k/50k")
	}

	total, _ = s.RecordMetric("s1", 39000)
	if ShouldMigrate(cfg, total) {
		t.Fatalf("expected no migration at 49k/50k, got total=%d", total)
	}

	total, _ = s.RecordMetric("s1", 11000)
	if !ShouldMigrate(cfg, total) {
		t.Fatalf("expected migration once total (%d) crosses 50000", total)
	}
	s.Drop("s1")
	if _, ok := s.Get("s1"); ok {
		t.Fatal("expected binding dropped after migration")
	}
}

func TestSweepRemovesOnlyIdleEntries(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Establish("stale", "upstream-a")
	time.Sleep(20 * time.Millisecond)
	s.Establish("fresh", "upstream-b")

	removed := s.Sweep()
	if removed != 1 {
		t.Fatalf("expected 1 entry swept, got %d", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining binding, got %d", s.Len())
	}
}
