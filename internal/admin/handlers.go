// Package admin provides HTTP handlers for the gateway administration API:
// operator API key management, upstream introspection, circuit breaker
// overrides, quota status, live model discovery, request log reads, and
// gated api key reveal. All admin routes are protected by bearer-token
// authentication via AuthMiddleware, following the teacher's
// read-only/admin scope split.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	aigateway "github.com/relaygate/gateway"
	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/discovery"
	"github.com/relaygate/gateway/internal/keystore"
	"github.com/relaygate/gateway/internal/requestlog"
	"github.com/go-chi/chi/v5"
)

// discoveryCacheTTL bounds how long a discovered model list is served from
// cache before the next read re-lists the upstream.
const discoveryCacheTTL = 5 * time.Minute

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Keys    Store
	Gateway *aigateway.Gateway

	// AllowKeyReveal gates the revealApiKey endpoint, per spec.md §6's
	// "ALLOW_KEY_REVEAL" policy flag. Disabled by default.
	AllowKeyReveal bool

	discoveryOnce  sync.Once
	discoveryCache *discovery.Cache
}

func (h *Handlers) cache() *discovery.Cache {
	h.discoveryOnce.Do(func() {
		h.discoveryCache = discovery.NewCache(64, discoveryCacheTTL)
	})
	return h.discoveryCache
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/keys", h.listKeys)
		r.Get("/keys/{id}", h.getKey)
		r.Get("/upstreams", h.listUpstreams)
		r.Get("/upstreams/{id}", h.getUpstream)
		r.Get("/upstreams/{id}/breaker", h.breakerStatus)
		r.Get("/upstreams/{id}/quota", h.quotaStatus)
		r.Get("/upstreams/{id}/models", h.discoverModels)
		r.Get("/logs", h.listLogs)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Post("/keys", h.createKey)
		r.Post("/keys/{id}/revoke", h.revokeKey)
		r.Post("/keys/{id}/rotate", h.rotateKey)
		r.Post("/upstreams/{id}/breaker/open", h.forceBreakerOpen)
		r.Post("/upstreams/{id}/breaker/close", h.forceBreakerClose)
		r.Post("/api-keys/{id}/reveal", h.revealApiKey)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ── operator API key management ──────────────────────────────────────────

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": h.Keys.List()})
}

func (h *Handlers) getKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	k, ok := h.Keys.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k, err := h.Keys.Create(body.Name, body.Scopes, body.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Keys.Revoke(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	k, err := h.Keys.RotateKey(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// ── upstream introspection ───────────────────────────────────────────────

func (h *Handlers) listUpstreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"upstreams": h.Gateway.Upstreams()})
}

func (h *Handlers) getUpstream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, ok := h.Gateway.Upstream(id)
	if !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ── circuit breaker ───────────────────────────────────────────────────────

// breakerSnapshotView is circuitbreaker.Snapshot with the state rendered as
// its string form, for a stable JSON wire shape independent of the
// underlying int enum.
type breakerSnapshotView struct {
	State         string                `json:"state"`
	FailureCount  int                   `json:"failure_count"`
	SuccessCount  int                   `json:"success_count"`
	LastFailureAt time.Time             `json:"last_failure_at"`
	OpenedAt      time.Time             `json:"opened_at"`
	LastProbeAt   time.Time             `json:"last_probe_at"`
	Config        circuitbreaker.Config `json:"config"`
}

func toBreakerView(s circuitbreaker.Snapshot) breakerSnapshotView {
	return breakerSnapshotView{
		State:         s.State.String(),
		FailureCount:  s.FailureCount,
		SuccessCount:  s.SuccessCount,
		LastFailureAt: s.LastFailureAt,
		OpenedAt:      s.OpenedAt,
		LastProbeAt:   s.LastProbeAt,
		Config:        s.Config,
	}
}

func (h *Handlers) breakerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.Gateway.Upstream(id); !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	snap := h.Gateway.Breakers().Get(id).Snapshot()
	writeJSON(w, http.StatusOK, toBreakerView(snap))
}

func (h *Handlers) forceBreakerOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.Gateway.Upstream(id); !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	h.Gateway.Breakers().Get(id).ForceOpen()
	writeJSON(w, http.StatusOK, toBreakerView(h.Gateway.Breakers().Get(id).Snapshot()))
}

func (h *Handlers) forceBreakerClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.Gateway.Upstream(id); !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	h.Gateway.Breakers().Get(id).ForceClose()
	writeJSON(w, http.StatusOK, toBreakerView(h.Gateway.Breakers().Get(id).Snapshot()))
}

// ── quota ─────────────────────────────────────────────────────────────────

func (h *Handlers) quotaStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.Gateway.Upstream(id); !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	rules, exceeded := h.Gateway.Quota().Status(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":    rules,
		"exceeded": exceeded,
	})
}

// ── model discovery ───────────────────────────────────────────────────────

// discoverModels lists the models an OpenAI-family upstream actually
// exposes, falling back to the cache on a recent read. Non-OpenAI families
// have no live discovery source and return their static route capabilities
// instead.
func (h *Handlers) discoverModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, ok := h.Gateway.Upstream(id)
	if !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}

	if u.Family() != domain.FamilyOpenAI {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"upstream_id": id,
			"source":      "static",
			"models":      u.RouteCapabilities,
		})
		return
	}

	if models, ok := h.cache().Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"upstream_id": id,
			"source":      "cache",
			"models":      models,
		})
		return
	}

	apiKey, err := h.Gateway.Cipher().Decrypt(u.APIKeyEncrypted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	models, err := discovery.FetchOpenAIModels(r.Context(), u.BaseURL, apiKey)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.cache().Set(id, models)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upstream_id": id,
		"source":      "live",
		"models":      models,
	})
}

// ── request logs ──────────────────────────────────────────────────────────

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.Gateway.Logs() == nil {
		writeJSON(w, http.StatusOK, requestlog.ListResult{Data: []domain.RequestLog{}})
		return
	}
	q := requestlog.Query{
		UpstreamID: r.URL.Query().Get("upstream_id"),
		Model:      r.URL.Query().Get("model"),
		Limit:      50,
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			q.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			q.Offset = n
		}
	}
	result, err := h.Gateway.Logs().List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── api key reveal (spec.md §6, gated by ALLOW_KEY_REVEAL) ────────────────

func (h *Handlers) revealApiKey(w http.ResponseWriter, r *http.Request) {
	if !h.AllowKeyReveal {
		writeError(w, http.StatusForbidden, "key reveal is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	plaintext, err := h.Gateway.Keys().Reveal(r.Context(), id, h.Gateway.Cipher().Decrypt)
	if err != nil {
		if err == keystore.ErrLegacyKey {
			writeError(w, http.StatusConflict, "legacy key has no recoverable value")
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": plaintext})
}
