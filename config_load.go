package aigateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/relaygate/gateway/gatewayerr"
)

// topologySchema is the JSON Schema the static upstream topology file must
// satisfy. It catches structural mistakes (a missing base_url, a
// capability that isn't a string, a negative priority) before the gateway
// ever tries to route against the parsed config, with a JSON pointer to
// the offending field in the error it produces.
const topologySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["upstreams"],
	"properties": {
		"upstreams": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "name", "base_url", "route_capabilities"],
				"properties": {
					"id":                        {"type": "string", "minLength": 1},
					"name":                       {"type": "string", "minLength": 1},
					"base_url":                   {"type": "string", "minLength": 1},
					"api_key":                    {"type": "string"},
					"priority":                   {"type": "integer", "minimum": 0, "maximum": 100},
					"weight":                     {"type": "number", "minimum": 0},
					"route_capabilities":         {"type": "array", "minItems": 1, "items": {"type": "string"}},
					"allowed_models":             {"type": "array", "items": {"type": "string"}},
					"model_redirects":            {"type": "object", "additionalProperties": {"type": "string"}},
					"billing_input_multiplier":   {"type": "number", "minimum": 0},
					"billing_output_multiplier":  {"type": "number", "minimum": 0},
					"timeout_sec":                {"type": "integer", "minimum": 0},
					"active":                     {"type": "boolean"},
					"spending_rules": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["period_type", "limit"],
							"properties": {
								"period_type":  {"type": "string", "enum": ["daily", "monthly", "rolling"]},
								"limit":        {"type": "number", "exclusiveMinimum": 0},
								"period_hours": {"type": "integer", "minimum": 0}
							}
						}
					},
					"affinity_migration": {
						"type": "object",
						"properties": {
							"enabled":   {"type": "boolean"},
							"metric":    {"type": "string", "enum": ["tokens", "length"]},
							"threshold": {"type": "integer", "minimum": 0}
						}
					}
				}
			}
		}
	}
}`

var compiledTopologySchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("topology.json", strings.NewReader(topologySchema)); err != nil {
		panic("invalid embedded topology schema: " + err.Error())
	}
	sch, err := compiler.Compile("topology.json")
	if err != nil {
		panic("invalid embedded topology schema: " + err.Error())
	}
	return sch
}()

// LoadConfig reads, schema-validates, and parses the static upstream
// topology file at path. Supported formats: JSON (.json) and YAML (.yaml,
// .yml). A file that violates topologySchema fails fast with a
// ConfigurationError naming the offending JSON pointer, before a single
// upstream is wired into the gateway.
func LoadConfig(path string) (*TopologyConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "reading config file", err)
	}

	ext := strings.ToLower(filepath.Ext(path))

	var raw interface{}
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "parsing YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "parsing JSON config", err)
		}
	default:
		return nil, gatewayerr.New(gatewayerr.ConfigurationError,
			fmt.Sprintf("unsupported config file extension %q: use .json, .yaml, or .yml", ext))
	}

	if err := compiledTopologySchema.Validate(raw); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "topology config failed schema validation", err)
	}

	// raw is already JSON-compatible (yaml.v3 decodes mappings into
	// map[string]interface{} just like encoding/json does), so re-marshal
	// it to reuse the struct tags TopologyConfig already carries instead
	// of hand-walking the validated map.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "normalizing config", err)
	}

	var cfg TopologyConfig
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "decoding validated config", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationError, "validating config", err)
	}

	return &cfg, nil
}

// EnvConfig holds the process environment variables the gateway reads at
// startup, per spec.md §6's operator-facing policy flags.
type EnvConfig struct {
	Port             string
	AdminToken       string
	DatabaseURL      string
	AllowKeyReveal   bool
	DebugLogHeaders  bool
	LogRetentionDays int
	CORSOrigins      []string
}

// LoadEnvConfig reads and validates the process environment. It never
// panics mid-request: a missing or malformed variable is reported as a
// ConfigurationError so cmd/gatewayd can abort cleanly before serving any
// traffic.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{
		Port:             envOr("PORT", "8080"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AllowKeyReveal:   envBool("ALLOW_KEY_REVEAL"),
		DebugLogHeaders:  envBool("DEBUG_LOG_HEADERS"),
		LogRetentionDays: 30,
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if days := os.Getenv("LOG_RETENTION_DAYS"); days != "" {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n <= 0 {
			return nil, gatewayerr.New(gatewayerr.ConfigurationError,
				fmt.Sprintf("LOG_RETENTION_DAYS must be a positive integer, got %q", days))
		}
		cfg.LogRetentionDays = n
	}

	if cfg.DatabaseURL == "" {
		return nil, gatewayerr.New(gatewayerr.ConfigurationError, "DATABASE_URL is required")
	}
	if !hasAnyPrefix(cfg.DatabaseURL, "postgresql://", "postgres://", "sqlite:") {
		return nil, gatewayerr.New(gatewayerr.ConfigurationError,
			"DATABASE_URL must begin with postgresql://, postgres://, or sqlite: (dev/test)")
	}

	if cfg.AdminToken == "" {
		return nil, gatewayerr.New(gatewayerr.ConfigurationError, "ADMIN_TOKEN is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
