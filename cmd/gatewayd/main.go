// Command gatewayd is the gateway's HTTP server: it loads the static
// upstream topology and process environment, wires C1-C11, and serves
// the proxy, admin, and metrics surfaces behind chi.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	aigateway "github.com/relaygate/gateway"
	"github.com/relaygate/gateway/domain"
	"github.com/relaygate/gateway/gatewayerr"
	"github.com/relaygate/gateway/internal/admin"
	"github.com/relaygate/gateway/internal/affinity"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/headercompensation"
	"github.com/relaygate/gateway/internal/keystore"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/pricesource"
	"github.com/relaygate/gateway/internal/quota"
	"github.com/relaygate/gateway/internal/requestlog"
	"github.com/relaygate/gateway/internal/streamproxy"
	"github.com/relaygate/gateway/internal/version"
	"github.com/relaygate/gateway/models"

	// Register FamilyOps for openai/anthropic/google/custom.
	_ "github.com/relaygate/gateway/internal/providerfamilies"
)

func main() {
	envCfg, err := aigateway.LoadEnvConfig()
	if err != nil {
		log.Fatalf("environment configuration: %v", err)
	}

	cipher, err := loadCipher()
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	keyStore, err := newKeystore(envCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("keystore: %v", err)
	}
	adminStore, err := newAdminStore(envCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("admin store: %v", err)
	}
	logStore, err := newRequestLogStore(envCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("request log store: %v", err)
	}
	priceStore, err := newPriceStore(envCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("price store: %v", err)
	}

	if err := adminStore.Bootstrap(envCfg.AdminToken, []string{admin.ScopeAdmin}); err != nil {
		log.Fatalf("bootstrap admin token: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)

	priceCatalog := models.NewPriceCatalog(priceStore)
	if err := priceCatalog.Refresh(ctx); err != nil {
		log.Printf("initial price refresh failed: %v", err)
	}
	priceCatalog.Start(done, 10*time.Minute)

	quotaTracker := quota.New(logStore)
	if err := quotaTracker.SyncFromDB(ctx); err != nil {
		log.Printf("initial quota sync failed: %v", err)
	}
	quotaTracker.Start(ctx, time.Minute)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	affinityStore := affinity.New(30 * time.Minute)
	affinityStore.Start(done, time.Minute)

	if err := keyStore.Refresh(ctx); err != nil {
		log.Printf("initial key refresh failed: %v", err)
	}
	keyStore.Start(done, 30*time.Second)

	deps := aigateway.Deps{
		Keys:           keyStore,
		Cipher:         cipher,
		Prices:         priceCatalog,
		Quota:          quotaTracker,
		Breakers:       breakers,
		Affinity:       affinityStore,
		HeaderRules:    headercompensation.DefaultRuleSet(),
		HTTPDispatcher: streamproxy.NewHTTPDispatcher(nil),
		Bedrock:        maybeBedrockDispatcher(ctx),
		Logs:           logStore,
	}
	gw := aigateway.New(deps)

	if cfgPath := os.Getenv("GATEWAY_CONFIG"); cfgPath != "" {
		topo, err := aigateway.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("load topology: %v", err)
		}
		upstreams, err := topo.Resolve(cipher)
		if err != nil {
			log.Fatalf("resolve topology: %v", err)
		}
		gw.SetUpstreams(upstreams)
		log.Printf("topology loaded: %d upstream(s)", len(upstreams))
	} else {
		log.Println("GATEWAY_CONFIG not set; starting with no upstreams")
	}

	adminHandlers := &admin.Handlers{
		Keys:           adminStore,
		Gateway:        gw,
		AllowKeyReveal: envCfg.AllowKeyReveal,
	}

	r := newRouter(gw, adminHandlers, adminStore, envCfg)

	srv := &http.Server{
		Addr:         ":" + envCfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("gatewayd %s listening on :%s", version.Short(), envCfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("server error: %v", err)
	}
	log.Println("server stopped.")
}

func newRouter(gw *aigateway.Gateway, adminHandlers *admin.Handlers, adminStore admin.Store, envCfg *aigateway.EnvConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(envCfg.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list",
			"data":   gw.Upstreams(),
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(adminStore))
		r.Mount("/", adminHandlers.Routes())
	})

	r.Post("/v1/chat/completions", proxyHandler(gw, domain.CapOpenAIChatCompletions))
	r.Post("/v1/messages", proxyHandler(gw, domain.CapAnthropicMessages))
	r.Post("/v1beta/models/{model}", proxyHandler(gw, domain.CapGoogleGenerateContent))
	r.Post("/bedrock/invoke/{model}", proxyHandler(gw, domain.CapBedrockInvoke))

	return r
}

// proxyHandler translates an inbound HTTP request into a
// aigateway.InboundRequest for the given capability, calls Gateway.Handle,
// and writes the outcome back — buffered JSON or a teed SSE stream.
func proxyHandler(gw *aigateway.Gateway, cap domain.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawKey := bearerToken(r)
		if rawKey == "" {
			writeOpenAIError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		body, err := readBody(r)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var peek struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		_ = json.Unmarshal(body, &peek)

		in := aigateway.InboundRequest{
			RawKey:     rawKey,
			Capability: cap,
			Model:      peek.Model,
			SessionID:  r.Header.Get("X-Session-ID"),
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header,
			Body:       body,
			Stream:     peek.Stream,
		}

		outcome, err := gw.Handle(r.Context(), in)
		if err != nil {
			status := http.StatusBadGateway
			if ge, ok := gatewayerr.As(err); ok {
				status = ge.Kind.HTTPStatus()
			}
			writeOpenAIError(w, status, err.Error())
			return
		}

		if outcome.Events != nil {
			writeSSE(w, outcome.Events)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(outcome.StatusCode)
		_, _ = w.Write(outcome.Body)
	}
}

func writeSSE(w http.ResponseWriter, events <-chan streamproxy.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	for ev := range events {
		if ev.Err != nil {
			return
		}
		_, _ = w.Write(ev.Raw)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": message, "type": "gateway_error"},
	})
}

func loadCipher() (*keystore.Cipher, error) {
	raw := os.Getenv("GATEWAY_ENCRYPTION_KEY")
	if raw == "" {
		return nil, gatewayerr.New(gatewayerr.ConfigurationError, "GATEWAY_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "GATEWAY_ENCRYPTION_KEY must be hex-encoded", err)
	}
	return keystore.NewCipher(key)
}

func maybeBedrockDispatcher(ctx context.Context) *streamproxy.BedrockDispatcher {
	if os.Getenv("AWS_REGION") == "" && os.Getenv("BEDROCK_ENABLED") == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Printf("bedrock dispatcher disabled: %v", err)
		return nil
	}
	return streamproxy.NewBedrockDispatcher(bedrockruntime.NewFromConfig(awsCfg))
}

// dsn splits a DATABASE_URL into (sqlitePath, isSQLite). Postgres DSNs pass
// through to the *_URL-shaped constructors unchanged.
func dsn(databaseURL string) (path string, isSQLite bool) {
	if strings.HasPrefix(databaseURL, "sqlite:") {
		return strings.TrimPrefix(databaseURL, "sqlite:"), true
	}
	return databaseURL, false
}

func newKeystore(databaseURL string) (*keystore.Store, error) {
	path, isSQLite := dsn(databaseURL)
	var backend keystore.SQLStore
	var err error
	if isSQLite {
		backend, err = keystore.NewSQLiteKeyStore(path)
	} else {
		backend, err = keystore.NewPostgresKeyStore(path)
	}
	if err != nil {
		return nil, err
	}
	return keystore.New(backend), nil
}

func newAdminStore(databaseURL string) (*admin.SQLStore, error) {
	path, isSQLite := dsn(databaseURL)
	if isSQLite {
		return admin.NewSQLiteStore(path)
	}
	return admin.NewPostgresStore(path)
}

func newRequestLogStore(databaseURL string) (*requestlog.Store, error) {
	path, isSQLite := dsn(databaseURL)
	if isSQLite {
		return requestlog.NewSQLiteStore(path)
	}
	return requestlog.NewPostgresStore(path)
}

func newPriceStore(databaseURL string) (*pricesource.Store, error) {
	path, isSQLite := dsn(databaseURL)
	if isSQLite {
		return pricesource.NewSQLiteStore(path)
	}
	return pricesource.NewPostgresStore(path)
}
