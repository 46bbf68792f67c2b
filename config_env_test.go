package aigateway

import "testing"

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadEnvConfig_Valid(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL": "postgresql://localhost/gateway",
		"ADMIN_TOKEN":  "secret-token",
		"PORT":         "9090",
		"CORS_ORIGINS": "https://a.example.com, https://b.example.com",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Port)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("expected 2 CORS origins, got %v", cfg.CORSOrigins)
	}
}

func TestLoadEnvConfig_DefaultsPort(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL": "sqlite:file::memory:?cache=shared",
		"ADMIN_TOKEN":  "secret-token",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.LogRetentionDays != 30 {
		t.Errorf("expected default retention of 30 days, got %d", cfg.LogRetentionDays)
	}
}

func TestLoadEnvConfig_MissingDatabaseURL(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL": "",
		"ADMIN_TOKEN":  "secret-token",
	})

	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoadEnvConfig_MalformedDatabaseURL(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL": "mysql://localhost/gateway",
		"ADMIN_TOKEN":  "secret-token",
	})

	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected error for unrecognized DATABASE_URL scheme")
	}
}

func TestLoadEnvConfig_MissingAdminToken(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL": "postgresql://localhost/gateway",
		"ADMIN_TOKEN":  "",
	})

	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected error for missing ADMIN_TOKEN")
	}
}

func TestLoadEnvConfig_InvalidRetentionDays(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL":       "postgresql://localhost/gateway",
		"ADMIN_TOKEN":        "secret-token",
		"LOG_RETENTION_DAYS": "not-a-number",
	})

	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("expected error for non-numeric LOG_RETENTION_DAYS")
	}
}

func TestLoadEnvConfig_BoolFlags(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL":      "postgresql://localhost/gateway",
		"ADMIN_TOKEN":       "secret-token",
		"ALLOW_KEY_REVEAL":  "true",
		"DEBUG_LOG_HEADERS": "1",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AllowKeyReveal || !cfg.DebugLogHeaders {
		t.Errorf("expected both bool flags true, got %+v", cfg)
	}
}
