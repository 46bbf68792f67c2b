// Package metrics registers the Prometheus metrics the gateway exposes:
// breaker state per upstream, quota-exceeded rejections, affinity hit
// rate, time-to-first-byte for streamed responses, and routing decisions.
// Import this package from cmd/gatewayd before mounting the /metrics
// handler; Gateway.Handle records into it directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed requests labelled by upstream, model,
	// and outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"upstream", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream", "model"},
	)

	// TimeToFirstByte observes TTFT in seconds for streamed responses.
	TimeToFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_ttft_seconds",
			Help:    "Time to first byte for streamed responses, in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"upstream", "model"},
	)

	// TokensTotal counts tokens accounted by usage.Extract, split by
	// direction ("prompt", "completion", "cached").
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens accounted, by direction.",
		},
		[]string{"upstream", "model", "direction"},
	)

	// UpstreamErrors counts classified gatewayerr.Kind failures per upstream.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total upstream errors by classification.",
		},
		[]string{"upstream", "kind"},
	)

	// CircuitBreakerState tracks per-upstream circuit breaker state as a
	// gauge: 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed 1=open 2=half_open).",
		},
		[]string{"upstream"},
	)

	// QuotaExceededTotal counts candidate upstreams skipped by the router
	// because their spending rules were exceeded.
	QuotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_exceeded_total",
			Help: "Total routing candidates skipped due to exceeded spending rules.",
		},
		[]string{"upstream"},
	)

	// AffinityOutcomeTotal counts whether a session-affine request hit its
	// bound upstream or had to establish a new binding, labelled "hit" or
	// "miss".
	AffinityOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_affinity_outcome_total",
			Help: "Total session-affinity outcomes, hit vs. miss.",
		},
		[]string{"outcome"},
	)

	// RoutingDecisionTotal counts the routing.Type label Gateway.Handle
	// assigns to each attempt ("affinity" or "weighted").
	RoutingDecisionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_routing_decision_total",
			Help: "Total routing decisions by type.",
		},
		[]string{"type"},
	)
)

// BreakerStateValue maps a circuitbreaker.State's String() form to the
// CircuitBreakerState gauge's numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
