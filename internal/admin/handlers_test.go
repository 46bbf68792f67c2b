package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	aigateway "github.com/relaygate/gateway"
	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/headercompensation"
	"github.com/relaygate/gateway/internal/keystore"
	"github.com/relaygate/gateway/internal/quota"
	"github.com/relaygate/gateway/internal/requestlog"
	"github.com/relaygate/gateway/internal/streamproxy"
	"github.com/relaygate/gateway/models"
)

func newTestGateway(t *testing.T) *aigateway.Gateway {
	t.Helper()

	keyStore, err := keystore.NewSQLiteKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("new key store: %v", err)
	}
	keys := keystore.New(keyStore)

	cipher, err := keystore.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	logs, err := requestlog.NewSQLiteStore(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("new request log store: %v", err)
	}
	t.Cleanup(func() { _ = logs.Close() })

	gw := aigateway.New(aigateway.Deps{
		Keys:           keys,
		Cipher:         cipher,
		Prices:         models.NewPriceCatalog(nil),
		Quota:          quota.New(nil),
		Breakers:       circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Affinity:       affinity.New(0),
		HeaderRules:    headercompensation.DefaultRuleSet(),
		HTTPDispatcher: streamproxy.NewHTTPDispatcher(http.DefaultClient),
		Logs:           logs,
	})
	gw.SetUpstreams([]domain.Upstream{{
		ID:                "up-1",
		Name:              "primary",
		Priority:          0,
		Weight:            1,
		RouteCapabilities: []domain.Capability{"openai.chat_completions"},
		Active:            true,
		SpendingRules:     []domain.Rule{{PeriodType: "daily", Limit: 10}},
	}})
	return gw
}

func newTestHandlers(t *testing.T) (*Handlers, *KeyStore, *APIKey) {
	t.Helper()
	ks := NewKeyStore()
	admin, err := ks.Create("operator", []string{ScopeAdmin}, nil)
	if err != nil {
		t.Fatalf("create operator key: %v", err)
	}
	h := &Handlers{Keys: ks, Gateway: newTestGateway(t)}
	return h, ks, admin
}

func doRequest(t *testing.T, h *Handlers, adminKey *APIKey, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+adminKey.Key)

	handler := AuthMiddleware(h.Keys)(h.Routes())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestListUpstreams(t *testing.T) {
	h, _, admin := newTestHandlers(t)
	rr := doRequest(t, h, admin, http.MethodGet, "/upstreams", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Upstreams []domain.Upstream `json:"upstreams"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Upstreams) != 1 || out.Upstreams[0].ID != "up-1" {
		t.Fatalf("unexpected upstreams: %+v", out.Upstreams)
	}
}

func TestDiscoverModelsNonOpenAIFamilyReturnsStaticList(t *testing.T) {
	h, _, admin := newTestHandlers(t)
	h.Gateway.SetUpstreams([]domain.Upstream{{
		ID:                "up-anthropic",
		Name:              "anthropic-primary",
		Priority:          0,
		Weight:            1,
		RouteCapabilities: []domain.Capability{domain.CapAnthropicMessages},
		Active:            true,
	}})

	rr := doRequest(t, h, admin, http.MethodGet, "/upstreams/up-anthropic/models", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != "static" {
		t.Fatalf("expected static source for a non-openai upstream, got %q", out.Source)
	}
}

func TestDiscoverModelsOpenAIFamilyFetchesLiveThenCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","object":"model","created":1,"owned_by":"openai"}]}`))
	}))
	t.Cleanup(srv.Close)

	h, _, admin := newTestHandlers(t)
	encrypted, err := h.Gateway.Cipher().Encrypt("sk-test")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	h.Gateway.SetUpstreams([]domain.Upstream{{
		ID:                "up-openai",
		Name:              "openai-primary",
		BaseURL:           srv.URL,
		APIKeyEncrypted:   encrypted,
		Priority:          0,
		Weight:            1,
		RouteCapabilities: []domain.Capability{domain.CapOpenAIChatCompletions},
		Active:            true,
	}})

	rr := doRequest(t, h, admin, http.MethodGet, "/upstreams/up-openai/models", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != "live" {
		t.Fatalf("expected live source on first read, got %q", out.Source)
	}

	rr2 := doRequest(t, h, admin, http.MethodGet, "/upstreams/up-openai/models", nil)
	var out2 struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(rr2.Body.Bytes(), &out2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out2.Source != "cache" {
		t.Fatalf("expected cache source on second read, got %q", out2.Source)
	}
	if hits != 1 {
		t.Fatalf("expected exactly 1 upstream fetch, got %d", hits)
	}
}

func TestGetUpstreamNotFound(t *testing.T) {
	h, _, admin := newTestHandlers(t)
	rr := doRequest(t, h, admin, http.MethodGet, "/upstreams/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestForceBreakerOpenThenClose(t *testing.T) {
	h, _, admin := newTestHandlers(t)

	rr := doRequest(t, h, admin, http.MethodPost, "/upstreams/up-1/breaker/open", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("force open: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var opened struct {
		State string `json:"state"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &opened)
	if opened.State != "open" {
		t.Fatalf("expected state open, got %q", opened.State)
	}

	rr = doRequest(t, h, admin, http.MethodPost, "/upstreams/up-1/breaker/close", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("force close: expected 200, got %d", rr.Code)
	}
	var closed struct {
		State string `json:"state"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &closed)
	if closed.State != "closed" {
		t.Fatalf("expected state closed, got %q", closed.State)
	}
}

func TestQuotaStatusReflectsRules(t *testing.T) {
	h, _, admin := newTestHandlers(t)
	h.Gateway.Quota().RecordSpending("up-1", 5)

	rr := doRequest(t, h, admin, http.MethodGet, "/upstreams/up-1/quota", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out struct {
		Exceeded bool `json:"exceeded"`
		Rules    []quota.RuleStatus
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Exceeded {
		t.Fatal("expected not exceeded after spending 5 of a 10 limit")
	}
}

func TestRevealApiKeyDisabledByDefault(t *testing.T) {
	h, _, admin := newTestHandlers(t)
	rr := doRequest(t, h, admin, http.MethodPost, "/api-keys/key-1/reveal", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when reveal disabled, got %d", rr.Code)
	}
}

func TestOperatorKeyLifecycle(t *testing.T) {
	h, _, admin := newTestHandlers(t)

	rr := doRequest(t, h, admin, http.MethodPost, "/keys", map[string]interface{}{
		"name":   "ci",
		"scopes": []string{ScopeReadOnly},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create key: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created APIKey
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created key: %v", err)
	}

	rr = doRequest(t, h, admin, http.MethodPost, "/keys/"+created.ID+"/revoke", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d", rr.Code)
	}
}
