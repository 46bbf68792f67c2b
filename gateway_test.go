package aigateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/headercompensation"
	"github.com/relaygate/gateway/internal/keystore"
	"github.com/relaygate/gateway/internal/quota"
	"github.com/relaygate/gateway/internal/requestlog"
	"github.com/relaygate/gateway/internal/streamproxy"
	"github.com/relaygate/gateway/internal/usage"
	"github.com/relaygate/gateway/models"
)

const testFamily = "gatewaytest"

func init() {
	domain.RegisterFamilyOps(testFamily, domain.FamilyOps{
		AuthScheme: func(secret string) map[string]string {
			return map[string]string{"Authorization": "Bearer " + secret}
		},
		ValidatePath: func(path string) bool { return true },
		ExtractUsage: usage.Extract,
	})
}

func priceVal(f float64) *float64 { return &f }

type testHarness struct {
	gw     *Gateway
	cipher *keystore.Cipher
	srv    *httptest.Server
}

func newHarness(t *testing.T, handler http.HandlerFunc) *testHarness {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	keyStore, err := keystore.NewSQLiteKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("new key store: %v", err)
	}

	if err := keyStore.Insert(context.Background(), domain.ApiKey{
		ID:      "key-1",
		KeyHash: keystore.HashKey("raw-test-key"),
		Name:    "test",
		Active:  true,
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	keys := keystore.New(keyStore)
	if err := keys.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh keystore: %v", err)
	}

	cipher, err := keystore.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	encryptedSecret, err := cipher.Encrypt("upstream-secret")
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}

	logs, err := requestlog.NewSQLiteStore(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("new request log store: %v", err)
	}
	t.Cleanup(func() { _ = logs.Close() })

	prices := models.NewPriceCatalog(nil)
	prices.SetOverrides([]domain.PriceEntry{{
		Model:                 "test-model",
		InputPricePerMillion:  priceVal(1),
		OutputPricePerMillion: priceVal(2),
	}})

	deps := Deps{
		Keys:           keys,
		Cipher:         cipher,
		Prices:         prices,
		Quota:          quota.New(nil),
		Breakers:       circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Affinity:       affinity.New(0),
		HeaderRules:    headercompensation.DefaultRuleSet(),
		HTTPDispatcher: streamproxy.NewHTTPDispatcher(srv.Client()),
		Logs:           logs,
	}
	gw := New(deps)
	gw.SetUpstreams([]domain.Upstream{{
		ID:                "up-1",
		Name:              "primary",
		BaseURL:           srv.URL,
		APIKeyEncrypted:   encryptedSecret,
		Priority:          0,
		Weight:            1,
		RouteCapabilities: []domain.Capability{domain.Capability(testFamily + ".chat")},
		Active:            true,
	}})

	return &testHarness{gw: gw, cipher: cipher, srv: srv}
}

func TestHandleNonStreamingSuccess(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer upstream-secret" {
			t.Errorf("expected compensated auth header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"usage": map[string]interface{}{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	})

	out, err := h.gw.Handle(context.Background(), InboundRequest{
		RawKey:     "raw-test-key",
		Capability: domain.Capability(testFamily + ".chat"),
		Model:      "test-model",
		SessionID:  "sess-1",
		Method:     http.MethodPost,
		Path:       "/v1/chat",
		Headers:    http.Header{"X-Api-Key": []string{"inbound-leaked-key"}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", out.StatusCode)
	}
	if out.Log.Tokens.Total != 15 {
		t.Fatalf("expected 15 total tokens, got %d", out.Log.Tokens.Total)
	}
	wantCost := (1.0*10 + 2.0*5) / 1_000_000
	if out.Snapshot.FinalCost != wantCost {
		t.Fatalf("expected cost %v, got %v", wantCost, out.Snapshot.FinalCost)
	}
	if out.Snapshot.BillingStatus != domain.BillingStatusBilled {
		t.Fatalf("expected billed snapshot, got %s", out.Snapshot.BillingStatus)
	}

	// Give the async log write a moment, then verify it landed.
	time.Sleep(50 * time.Millisecond)
	result, err := h.gw.deps.Logs.List(context.Background(), requestlog.Query{Limit: 10})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("expected 1 persisted log, got %d", result.Total)
	}
}

func TestHandleDropsAuthAndApiKeyHeaders(t *testing.T) {
	var sawApiKey, sawProvider bool
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		sawApiKey = r.Header.Get("X-Api-Key") != ""
		sawProvider = r.Header.Get("X-Provider") != ""
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})

	_, err := h.gw.Handle(context.Background(), InboundRequest{
		RawKey:     "raw-test-key",
		Capability: domain.Capability(testFamily + ".chat"),
		Model:      "test-model",
		Method:     http.MethodPost,
		Path:       "/v1/chat",
		Headers: http.Header{
			"X-Api-Key":  []string{"should-be-dropped"},
			"X-Provider": []string{"should-be-dropped"},
		},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sawApiKey || sawProvider {
		t.Fatalf("expected X-Api-Key/X-Provider dropped by header compensation")
	}
}

func TestHandleUnauthorizedRawKey(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called for an unauthenticated request")
	})

	_, err := h.gw.Handle(context.Background(), InboundRequest{
		RawKey:     "not-a-real-key",
		Capability: domain.Capability(testFamily + ".chat"),
		Model:      "test-model",
		Method:     http.MethodPost,
		Path:       "/v1/chat",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown api key")
	}
}

func TestHandleStreamingTeesEvents(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":1}\n\n"))
		w.Write([]byte("data: {\"delta\":2}\n\n"))
	})

	out, err := h.gw.Handle(context.Background(), InboundRequest{
		RawKey:     "raw-test-key",
		Capability: domain.Capability(testFamily + ".chat"),
		Model:      "test-model",
		Method:     http.MethodPost,
		Path:       "/v1/chat",
		Stream:     true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var n int
	for range out.Events {
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 teed events, got %d", n)
	}
	if !out.Log.IsStream {
		t.Fatal("expected RequestLog.IsStream to be true")
	}
}

// TestHandleStreamingBillsFromTerminalUsageEvent matches spec.md §4.8's
// requirement that a streamed response's terminal usage event still drives
// billing, not just the client-visible byte passthrough.
func TestHandleStreamingBillsFromTerminalUsageEvent(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"hi\"}\n\n"))
		w.Write([]byte(`data: {"usage":{"prompt_tokens":1000,"completion_tokens":100,"total_tokens":1100}}` + "\n\n"))
	})
	// A near-zero daily limit means any recorded spend trips it, proving
	// RecordSpending ran with the streamed usage's real (non-zero) cost.
	h.gw.deps.Quota.SetRules("up-1", []domain.Rule{{PeriodType: "daily", Limit: 0.0000001}})

	out, err := h.gw.Handle(context.Background(), InboundRequest{
		RawKey:     "raw-test-key",
		Capability: domain.Capability(testFamily + ".chat"),
		Model:      "test-model",
		Method:     http.MethodPost,
		Path:       "/v1/chat",
		Stream:     true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for range out.Events {
		// Drain fully so the coordinator's background usage scan and
		// billing finalize before the assertion below.
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, exceeded := h.gw.Quota().Status("up-1"); exceeded {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected streamed usage to be billed and trip the quota rule")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleNoEligibleUpstreamFails(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Force the only upstream's breaker open so no candidate is eligible.
	h.gw.deps.Breakers.Get("up-1").ForceOpen()

	_, err := h.gw.Handle(context.Background(), InboundRequest{
		RawKey:     "raw-test-key",
		Capability: domain.Capability(testFamily + ".chat"),
		Model:      "test-model",
		Method:     http.MethodPost,
		Path:       "/v1/chat",
	})
	if err == nil {
		t.Fatal("expected an error when every upstream is ineligible")
	}
}
