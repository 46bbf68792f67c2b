package aigateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaygate/gateway/domain"
)

func TestLoadConfig_Valid(t *testing.T) {
	data := `{
		"upstreams": [
			{
				"id": "openai-primary",
				"name": "OpenAI primary",
				"base_url": "https://api.openai.com",
				"api_key": "sk-test",
				"priority": 0,
				"weight": 0.7,
				"route_capabilities": ["openai.chat_completions"],
				"active": true
			},
			{
				"id": "anthropic-fallback",
				"name": "Anthropic fallback",
				"base_url": "https://api.anthropic.com",
				"api_key": "sk-ant-test",
				"priority": 1,
				"weight": 0.3,
				"route_capabilities": ["anthropic.messages"],
				"active": true
			}
		]
	}`
	path := writeTempFile(t, "config.json", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Upstreams) != 2 {
		t.Fatalf("expected 2 upstreams, got %d", len(cfg.Upstreams))
	}
	if cfg.Upstreams[0].ID != "openai-primary" {
		t.Errorf("expected first upstream id %q, got %q", "openai-primary", cfg.Upstreams[0].ID)
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("/tmp/does-not-exist-config-12345.json")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeTempFile(t, "bad.json", `{invalid`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadConfig_SchemaRejectsMissingBaseURL(t *testing.T) {
	data := `{
		"upstreams": [
			{"id": "broken", "name": "broken", "route_capabilities": ["openai.chat_completions"]}
		]
	}`
	path := writeTempFile(t, "config.json", data)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected schema validation error for missing base_url")
	}
}

func TestLoadConfig_SchemaRejectsEmptyUpstreams(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"upstreams": []}`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected schema validation error for empty upstreams")
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	data := `
upstreams:
  - id: openai-primary
    name: OpenAI primary
    base_url: https://api.openai.com
    api_key: sk-test
    route_capabilities:
      - openai.chat_completions
    active: true
  - id: anthropic-fallback
    name: Anthropic fallback
    base_url: https://api.anthropic.com
    api_key: sk-ant-test
    route_capabilities:
      - anthropic.messages
    active: true
`
	path := writeTempFile(t, "config.yaml", data)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Upstreams) != 2 {
		t.Errorf("expected 2 upstreams, got %d", len(cfg.Upstreams))
	}
}

func TestLoadConfig_YML(t *testing.T) {
	data := `
upstreams:
  - id: openai-primary
    name: OpenAI primary
    base_url: https://api.openai.com
    route_capabilities:
      - openai.chat_completions
    active: true
`
	path := writeTempFile(t, "config.yml", data)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Upstreams) != 1 {
		t.Errorf("expected 1 upstream, got %d", len(cfg.Upstreams))
	}
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	path := writeTempFile(t, "config.toml", "key = value")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	cfg := TopologyConfig{
		Upstreams: []UpstreamConfig{
			{
				ID:                "up-1",
				Name:              "primary",
				BaseURL:           "https://api.openai.com",
				RouteCapabilities: []string{"openai.chat_completions"},
				Active:            true,
			},
		},
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfig_EmptyUpstreams(t *testing.T) {
	if err := ValidateConfig(TopologyConfig{}); err == nil {
		t.Fatal("expected error for empty upstreams")
	}
}

func TestValidateConfig_DuplicateIDs(t *testing.T) {
	cfg := TopologyConfig{
		Upstreams: []UpstreamConfig{
			{ID: "dup", Name: "a", BaseURL: "https://a", RouteCapabilities: []string{"openai.chat_completions"}, Active: true},
			{ID: "dup", Name: "b", BaseURL: "https://b", RouteCapabilities: []string{"openai.chat_completions"}},
		},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for duplicate upstream ids")
	}
}

func TestValidateConfig_NoActiveUpstream(t *testing.T) {
	cfg := TopologyConfig{
		Upstreams: []UpstreamConfig{
			{ID: "up-1", Name: "a", BaseURL: "https://a", RouteCapabilities: []string{"openai.chat_completions"}, Active: false},
		},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error when no upstream is active")
	}
}

func TestValidateConfig_InvalidSpendingRule(t *testing.T) {
	cfg := TopologyConfig{
		Upstreams: []UpstreamConfig{
			{
				ID:                "up-1",
				Name:              "a",
				BaseURL:           "https://a",
				RouteCapabilities: []string{"openai.chat_completions"},
				Active:            true,
				SpendingRules:     []domain.Rule{{PeriodType: "rolling", Limit: 10}},
			},
		},
	}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected error for rolling rule missing period_hours")
	}
}

func TestTopologyConfig_ResolveEncryptsAPIKey(t *testing.T) {
	cfg := TopologyConfig{
		Upstreams: []UpstreamConfig{
			{
				ID:                "up-1",
				Name:              "primary",
				BaseURL:           "https://api.openai.com",
				PlainAPIKey:       "sk-test",
				RouteCapabilities: []string{"openai.chat_completions"},
				Active:            true,
			},
		},
	}
	upstreams, err := cfg.Resolve(stubCipher{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(upstreams) != 1 {
		t.Fatalf("expected 1 upstream, got %d", len(upstreams))
	}
	if string(upstreams[0].APIKeyEncrypted) != "enc:sk-test" {
		t.Errorf("expected encrypted key, got %q", upstreams[0].APIKeyEncrypted)
	}
	if upstreams[0].BillingInputMultiplier != 1.0 || upstreams[0].BillingOutputMultiplier != 1.0 {
		t.Errorf("expected default billing multipliers of 1.0, got %+v", upstreams[0])
	}
}

type stubCipher struct{}

func (stubCipher) Encrypt(plaintext string) ([]byte, error) {
	return []byte("enc:" + plaintext), nil
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
