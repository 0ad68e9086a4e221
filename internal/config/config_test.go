package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.EloK != 32 || cfg.EloBaseline != 1200 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RateLimitBackoff != 10*time.Minute || cfg.LeaseTTL <= cfg.AgentTimeout {
		t.Fatalf("timing defaults %+v", cfg)
	}
	if cfg.Archive.Enabled() {
		t.Fatalf("archive enabled without bucket")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("AGENT_TIMEOUT", "5s")
	t.Setenv("LEASE_TTL", "30s")
	t.Setenv("DEFAULT_CONCURRENCY", "8")
	t.Setenv("ELO_K", "24")
	t.Setenv("CORS_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("ARCHIVE_BUCKET", "games")
	t.Setenv("OPENAI_API_KEY", "  sk-test  ")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.AgentTimeout != 5*time.Second || cfg.DefaultConcurrency != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.EloK != 24 || cfg.OpenAIKey != "sk-test" {
		t.Fatalf("elo/key = %v/%q", cfg.EloK, cfg.OpenAIKey)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("cors = %v", cfg.CORSOrigins)
	}
	if !cfg.Archive.Enabled() || cfg.Archive.Prefix != "matches/" {
		t.Fatalf("archive = %+v", cfg.Archive)
	}
}

func TestFromEnv_CollectsValidationErrors(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "soon")
	t.Setenv("DEFAULT_CONCURRENCY", "0")
	t.Setenv("ARCHIVE_ACCESS_KEY_ID", "id-only")

	_, err := FromEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"TICK_INTERVAL", "DEFAULT_CONCURRENCY", "ARCHIVE_ACCESS_KEY_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
