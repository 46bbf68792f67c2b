// Package aigateway implements the gateway coordinator of spec.md §4.11:
// authenticate, select an upstream, dispatch through the streaming proxy,
// extract usage, and reconcile the breaker/quota/affinity/log side
// effects — all composed from the internal/* building blocks rather than
// implemented inline, the way the teacher's Gateway composed
// strategies.Strategy + providers.Provider + plugin.Manager.
//
// Create one with New, then call Handle per inbound request.
package aigateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/gatewayerr"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/headercompensation"
	"github.com/relaygate/gateway/internal/keystore"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/quota"
	"github.com/relaygate/gateway/internal/requestlog"
	"github.com/relaygate/gateway/internal/router"
	"github.com/relaygate/gateway/internal/streamproxy"
	"github.com/relaygate/gateway/internal/usage"
	"github.com/relaygate/gateway/models"
)

// EventHookFunc is called asynchronously after a gateway event (request
// completed or failed).
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking gateway hooks.
const (
	SubjectRequestCompleted = "gateway.request.completed"
	SubjectRequestFailed    = "gateway.request.failed"
)

// Deps are the already-constructed C1-C10 components the coordinator
// composes. cmd/gatewayd owns wiring these up (DB connections, background
// refreshers); Gateway only calls them.
type Deps struct {
	Keys           *keystore.Store
	Cipher         *keystore.Cipher
	Prices         *models.PriceCatalog
	Quota          *quota.Tracker
	Breakers       *circuitbreaker.Registry
	Affinity       *affinity.Store
	HeaderRules    *headercompensation.RuleSet
	HTTPDispatcher *streamproxy.HTTPDispatcher
	Bedrock        *streamproxy.BedrockDispatcher
	Logs           *requestlog.Store
}

// Gateway is the coordinator entry point.
type Gateway struct {
	mu        sync.RWMutex
	upstreams map[string]domain.Upstream

	deps     Deps
	selector *router.Selector
	hooks    []EventHookFunc
	now      func() time.Time
}

// New creates a Gateway over the given dependencies. Upstreams are added
// with SetUpstreams once loaded (from config or the admin store).
func New(deps Deps) *Gateway {
	return &Gateway{
		upstreams: make(map[string]domain.Upstream),
		deps:      deps,
		selector:  router.New(deps.Breakers, deps.Quota, deps.Affinity),
		now:       time.Now,
	}
}

// AddHook registers an EventHookFunc invoked asynchronously on each
// completed or failed request.
func (g *Gateway) AddHook(h EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, h)
}

// SetUpstreams replaces the routable upstream set, e.g. after a config
// reload or an admin edit.
func (g *Gateway) SetUpstreams(upstreams []domain.Upstream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]domain.Upstream, len(upstreams))
	for _, u := range upstreams {
		next[u.ID] = u
		g.deps.Quota.SetRules(u.ID, u.SpendingRules)
	}
	g.upstreams = next
}

func (g *Gateway) snapshotUpstreams() []domain.Upstream {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Upstream, 0, len(g.upstreams))
	for _, u := range g.upstreams {
		out = append(out, u)
	}
	return out
}

// Upstreams returns a snapshot of the routable upstream set, for admin
// reads.
func (g *Gateway) Upstreams() []domain.Upstream {
	return g.snapshotUpstreams()
}

// Upstream returns one upstream by id, for admin reads.
func (g *Gateway) Upstream(id string) (domain.Upstream, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.upstreams[id]
	return u, ok
}

// Breakers exposes the circuit breaker registry, for admin force-open and
// force-close operations.
func (g *Gateway) Breakers() *circuitbreaker.Registry { return g.deps.Breakers }

// Quota exposes the quota tracker, for admin status reads.
func (g *Gateway) Quota() *quota.Tracker { return g.deps.Quota }

// Keys exposes the keystore, for admin key revelation.
func (g *Gateway) Keys() *keystore.Store { return g.deps.Keys }

// Cipher exposes the secret cipher, for admin key revelation.
func (g *Gateway) Cipher() *keystore.Cipher { return g.deps.Cipher }

// Logs exposes the request log store, for admin log reads.
func (g *Gateway) Logs() *requestlog.Store { return g.deps.Logs }

func (g *Gateway) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := append([]EventHookFunc(nil), g.hooks...)
	g.mu.RUnlock()
	for _, h := range hooks {
		go h(ctx, subject, data)
	}
}

// InboundRequest is one client request the coordinator must route.
type InboundRequest struct {
	RawKey     string
	Capability domain.Capability
	Model      string
	SessionID  string
	Method     string
	Path       string
	Headers    http.Header
	Body       []byte
	Stream     bool
}

// Outcome is what the HTTP-facing layer needs to finish responding to the
// client. For a streaming request, Events carries the teed upstream
// response; for a non-streaming request, Body is the full response.
type Outcome struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Events     <-chan streamproxy.Event
	Log        domain.RequestLog
	Snapshot   domain.BillingSnapshot
}

// Handle authenticates, routes, dispatches, and reconciles one request,
// per spec.md §4.11. It is the only entry point the HTTP server calls.
func (g *Gateway) Handle(ctx context.Context, in InboundRequest) (*Outcome, error) {
	start := g.now()
	log := logging.FromContext(ctx)

	resolved, err := g.deps.Keys.Resolve(ctx, in.RawKey)
	if err != nil {
		return nil, err
	}

	upstreams := g.snapshotUpstreams()
	it := g.selector.Select(upstreams, router.SelectionInput{
		Capability:         in.Capability,
		Model:              in.Model,
		SessionID:          in.SessionID,
		AllowedUpstreamIDs: resolved.AllowedUpstreamIDs,
	})

	var history []domain.FailoverEvent
	routingStart := g.now()

	for {
		attempt, ok := it.Next(ctx)
		if !ok {
			err := gatewayerr.New(gatewayerr.UpstreamUnavailable, "no eligible upstream")
			g.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
				"model": in.Model, "failover_attempts": len(history),
			})
			return nil, err
		}

		for _, skip := range it.Skipped() {
			if skip.Reason == router.ExcludedQuotaExceeded {
				metrics.QuotaExceededTotal.WithLabelValues(skip.UpstreamID).Inc()
			}
		}

		routingMs := g.now().Sub(routingStart).Milliseconds()
		outcome, err := g.attempt(ctx, in, resolved, attempt, start, routingMs, history)
		if err == nil {
			metrics.RequestsTotal.WithLabelValues(attempt.Upstream.ID, attempt.ResolvedModel, "success").Inc()
			metrics.RoutingDecisionTotal.WithLabelValues(routingType(attempt)).Inc()
			g.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
				"model":      in.Model,
				"upstream":   attempt.Upstream.ID,
				"duration_ms": outcome.Log.DurationMs,
			})
			return outcome, nil
		}

		ge, _ := gatewayerr.As(err)
		history = append(history, domain.FailoverEvent{
			UpstreamID:   attempt.Upstream.ID,
			UpstreamName: attempt.Upstream.Name,
			AttemptedAt:  g.now(),
			ErrorType:    string(ge.Kind),
			ErrorMessage: err.Error(),
		})
		g.deps.Breakers.Get(attempt.Upstream.ID).RecordFailure()
		metrics.RequestsTotal.WithLabelValues(attempt.Upstream.ID, attempt.ResolvedModel, "error").Inc()
		metrics.UpstreamErrors.WithLabelValues(attempt.Upstream.ID, string(ge.Kind)).Inc()
		recordBreakerGauge(g.deps.Breakers, attempt.Upstream.ID)

		log.Warn("upstream attempt failed", "upstream", attempt.Upstream.ID, "error", err)

		if ge == nil || !ge.Kind.Retryable() {
			return nil, err
		}
		// otherwise loop: try the next eligible candidate.
	}
}

func recordBreakerGauge(registry *circuitbreaker.Registry, upstreamID string) {
	state := registry.Get(upstreamID).State().String()
	metrics.CircuitBreakerState.WithLabelValues(upstreamID).Set(metrics.BreakerStateValue(state))
}

// attempt dispatches one routing candidate and, on success, extracts
// usage, records cost/quota/breaker/affinity side effects, and persists
// the request log + billing snapshot.
func (g *Gateway) attempt(ctx context.Context, in InboundRequest, resolved keystore.ResolvedKey, a *router.Attempt, start time.Time, routingMs int64, history []domain.FailoverEvent) (*Outcome, error) {
	ops, ok := domain.OpsFor(a.Upstream.Family())
	if !ok {
		return nil, gatewayerr.New(gatewayerr.ConfigurationError, "no family ops registered for "+a.Upstream.Family())
	}

	secret, err := g.deps.Cipher.Decrypt(a.Upstream.APIKeyEncrypted)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "decrypt upstream credential", err)
	}
	authHeaders := ops.AuthScheme(secret)

	diffResult := headercompensation.Apply(g.deps.HeaderRules, in.Capability, in.Headers, authHeaders)

	var (
		statusCode int
		respBody   []byte
		events     <-chan streamproxy.Event
		ttftMs     *int64
	)

	if a.Upstream.Family() == domain.FamilyCustom && g.deps.Bedrock != nil {
		// Bedrock is signed by the AWS SDK rather than dispatched over
		// HTTPDispatcher; the upstream's base_url holds the Bedrock model
		// id instead of a URL for this family.
		if in.Stream {
			stream, err := g.deps.Bedrock.InvokeStream(ctx, a.Upstream.BaseURL, in.Body)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.UpstreamFailure, "dispatch bedrock stream", err)
			}
			statusCode = http.StatusOK
			events = stream.Events
			if t, ok := stream.TTFT(); ok {
				ms := t.Milliseconds()
				ttftMs = &ms
			}
		} else {
			body, err := g.deps.Bedrock.Invoke(ctx, a.Upstream.BaseURL, in.Body)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.UpstreamFailure, "dispatch bedrock request", err)
			}
			statusCode = http.StatusOK
			respBody = body
		}
	} else {
		outboundURL := strings.TrimRight(a.Upstream.BaseURL, "/") + in.Path
		req, err := http.NewRequestWithContext(ctx, in.Method, outboundURL, bodyReader(in.Body))
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "build outbound request", err)
		}
		req.Header = diffResult.Outbound

		if in.Stream {
			resp, stream, err := g.deps.HTTPDispatcher.Do(ctx, req)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.UpstreamFailure, "dispatch stream", err)
			}
			statusCode = resp.StatusCode
			events = stream.Events
			if t, ok := stream.TTFT(); ok {
				ms := t.Milliseconds()
				ttftMs = &ms
			}
		} else {
			resp, body, err := g.deps.HTTPDispatcher.DoBuffered(ctx, req)
			if err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.UpstreamFailure, "dispatch request", err)
			}
			statusCode = resp.StatusCode
			respBody = body
		}
	}

	if statusCode >= 500 {
		return nil, gatewayerr.New(gatewayerr.UpstreamFailure, fmt.Sprintf("upstream returned %d", statusCode))
	}
	if statusCode == http.StatusTooManyRequests {
		return nil, gatewayerr.New(gatewayerr.UpstreamRateLimited, "upstream rate limited")
	}

	g.deps.Breakers.Get(a.Upstream.ID).RecordSuccess()
	recordBreakerGauge(g.deps.Breakers, a.Upstream.ID)

	if !in.Stream {
		var u domain.Usage
		if ops.ExtractUsage != nil && statusCode < 300 {
			if extracted, err := ops.ExtractUsage(respBody); err == nil {
				u = extracted
			}
		}
		requestLog, snapshot := g.finalizeAttempt(in, resolved, a, start, routingMs, history, u, ttftMs, statusCode, diffResult)
		return &Outcome{
			StatusCode: statusCode,
			Headers:    http.Header{},
			Body:       respBody,
			Log:        requestLog,
			Snapshot:   snapshot,
		}, nil
	}

	// Streaming: the client must start receiving events immediately, but
	// billing (cost, quota, request log) can only run once usage is known
	// — which, per spec.md §4.8, arrives in the terminal SSE event, not
	// until the upstream finishes sending. Tee the channel: every event is
	// forwarded to the client unchanged, while a background scan folds
	// each event's usage block (if any) into a running total and runs
	// finalizeAttempt once the upstream closes the stream.
	clientEvents := make(chan streamproxy.Event, streamproxy.EventBufferSize)
	go func() {
		defer close(clientEvents)
		var collected domain.Usage
		for ev := range events {
			clientEvents <- ev
			if payload := ev.DataPayload(); payload != nil {
				if parsed, ok := usage.ExtractStreamEvent(payload); ok {
					collected = usage.MergeUsage(collected, parsed)
				}
			}
		}
		if collected.Total == 0 {
			collected.Total = collected.Prompt + collected.Completion
		}
		g.finalizeAttempt(in, resolved, a, start, routingMs, history, collected, ttftMs, statusCode, diffResult)
	}()

	return &Outcome{
		StatusCode: statusCode,
		Headers:    http.Header{},
		Events:     clientEvents,
		Log:        domain.RequestLog{IsStream: true, DurationMs: g.now().Sub(start).Milliseconds()},
	}, nil
}

// finalizeAttempt records the token/cost/breaker/affinity/duration metrics,
// persists the request log + billing snapshot, and returns both — called
// synchronously for a buffered response (usage known immediately) or from
// the streaming tee goroutine once the terminal event's usage is known.
func (g *Gateway) finalizeAttempt(in InboundRequest, resolved keystore.ResolvedKey, a *router.Attempt, start time.Time, routingMs int64, history []domain.FailoverEvent, u domain.Usage, ttftMs *int64, statusCode int, diffResult headercompensation.Result) (domain.RequestLog, domain.BillingSnapshot) {
	metrics.TokensTotal.WithLabelValues(a.Upstream.ID, a.ResolvedModel, "prompt").Add(float64(u.Prompt))
	metrics.TokensTotal.WithLabelValues(a.Upstream.ID, a.ResolvedModel, "completion").Add(float64(u.Completion))
	metrics.TokensTotal.WithLabelValues(a.Upstream.ID, a.ResolvedModel, "cached").Add(float64(u.Cached))
	if ttftMs != nil {
		metrics.TimeToFirstByte.WithLabelValues(a.Upstream.ID, a.ResolvedModel).Observe(float64(*ttftMs) / 1000)
	}

	price, _ := g.deps.Prices.PriceOf(a.ResolvedModel)
	costResult := usage.Cost(price, u, a.Upstream.BillingInputMultiplier, a.Upstream.BillingOutputMultiplier)
	g.deps.Quota.RecordSpending(a.Upstream.ID, costResult.TotalUSD)

	if in.SessionID != "" {
		outcome := "miss"
		if a.FromAffinity {
			outcome = "hit"
		}
		metrics.AffinityOutcomeTotal.WithLabelValues(outcome).Inc()
		if a.AffinityEstablish {
			g.deps.Affinity.Establish(in.SessionID, a.Upstream.ID)
		}
		if a.Upstream.AffinityMigration != nil {
			total, ok := g.deps.Affinity.RecordMetric(in.SessionID, u.Total)
			if ok && affinity.ShouldMigrate(a.Upstream.AffinityMigration, total) {
				g.deps.Affinity.Drop(in.SessionID)
			}
		}
	}

	durationMs := g.now().Sub(start).Milliseconds()
	metrics.RequestDuration.WithLabelValues(a.Upstream.ID, a.ResolvedModel).Observe(float64(durationMs) / 1000)
	requestLog := domain.RequestLog{
		ID:                logging.NewTraceID(),
		ApiKeyID:          &resolved.ApiKeyID,
		UpstreamID:        &a.Upstream.ID,
		Method:            in.Method,
		Path:              in.Path,
		Model:             a.ResolvedModel,
		Tokens:            domain.TokenCounts(u),
		StatusCode:        statusCode,
		DurationMs:        durationMs,
		RoutingDurationMs: routingMs,
		TTFTMs:            ttftMs,
		IsStream:          in.Stream,
		Routing: domain.RoutingInfo{
			Type:             routingType(a),
			PriorityTier:     a.Upstream.Priority,
			FailoverAttempts: len(history),
			FailoverHistory:  history,
		},
		Session: domain.SessionInfo{
			ID:          in.SessionID,
			AffinityHit: a.FromAffinity,
		},
		HeaderDiff: &diffResult.Diff,
		CreatedAt:  g.now(),
	}
	snapshot := domain.BillingSnapshot{
		RequestLogID:              requestLog.ID,
		InputPricePerMillion:      price.InputPricePerMillion,
		OutputPricePerMillion:     price.OutputPricePerMillion,
		CacheReadPricePerMillion:  price.CacheReadInputPricePerMillion,
		CacheWritePricePerMillion: price.CacheWriteInputPricePerMillion,
		InputMultiplier:           safeMult(a.Upstream.BillingInputMultiplier),
		OutputMultiplier:          safeMult(a.Upstream.BillingOutputMultiplier),
		Tokens:                    domain.TokenCounts(u),
		FinalCost:                 costResult.TotalUSD,
		Currency:                  "USD",
		BillingStatus:             billingStatus(costResult),
		UnbillableReason:          costResult.UnbillableReason,
		BilledAt:                  requestLog.CreatedAt,
	}

	if g.deps.Logs != nil {
		go func() {
			if err := g.deps.Logs.WriteWithSnapshot(context.Background(), requestLog, snapshot); err != nil {
				logging.Logger.Error("write request log failed", "request_id", requestLog.ID, "error", err)
			}
		}()
	}

	return requestLog, snapshot
}

func routingType(a *router.Attempt) string {
	if a.FromAffinity {
		return "affinity"
	}
	return "weighted"
}

func billingStatus(r usage.CostResult) string {
	if r.Billed {
		return domain.BillingStatusBilled
	}
	return domain.BillingStatusUnbilled
}

func safeMult(m float64) float64 {
	if m <= 0 {
		return 1
	}
	return m
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return strings.NewReader(string(body))
}
