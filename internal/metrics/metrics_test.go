package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, family string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				return m
			}
		}
	}
	return nil
}

func TestRequestsTotalIncrementsAndGathers(t *testing.T) {
	RequestsTotal.WithLabelValues("up-metrics-test", "test-model", "success").Inc()

	m := findMetric(t, "gateway_requests_total", map[string]string{
		"upstream": "up-metrics-test",
		"model":    "test-model",
		"status":   "success",
	})
	if m == nil {
		t.Fatal("expected gateway_requests_total series to be gathered")
	}
	if got := m.GetCounter().GetValue(); got < 1 {
		t.Fatalf("expected counter >= 1, got %v", got)
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{"closed": 0, "open": 1, "half_open": 2, "unknown": 0}
	for state, want := range cases {
		if got := BreakerStateValue(state); got != want {
			t.Fatalf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
