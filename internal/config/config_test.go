package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: anthropic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.ToolTimeout != 30*time.Second {
		t.Errorf("ToolTimeout = %v, want 30s", cfg.Loop.ToolTimeout)
	}
	if cfg.Breakers.LLM.Threshold != 5 || cfg.Breakers.LLM.Cooldown != 30*time.Second {
		t.Errorf("LLM breaker = %+v, want threshold 5, cooldown 30s", cfg.Breakers.LLM)
	}
	if cfg.Cache.MaxEntries != 10000 {
		t.Errorf("MaxEntries = %d, want 10000", cfg.Cache.MaxEntries)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if _, ok := cfg.RateLimit.Tiers["standard"]; !ok {
		t.Errorf("expected default standard tier, got %v", cfg.RateLimit.Tiers)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("AGENTCORE_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
provider:
  name: openai
  api_key: ${AGENTCORE_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", cfg.Provider.APIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: anthropic
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesProvider(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: gopher
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "provider.name") {
		t.Fatalf("expected provider.name error, got %v", err)
	}
}

func TestLoadValidatesRateTiers(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  enabled: true
  default_tier: premium
  tiers:
    standard:
      window: 1m
      max_requests: 60
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_tier") {
		t.Fatalf("expected default_tier error, got %v", err)
	}

	path = writeConfig(t, `
rate_limit:
  enabled: true
  default_tier: standard
  tiers:
    standard:
      window: 0s
      max_requests: 60
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for non-positive window")
	}
}

func TestLoadParsesDurationsAndTiers(t *testing.T) {
	path := writeConfig(t, `
loop:
  max_iterations: 3
  deadline: 45s
  parallel_tools: true
cache:
  default_ttl: 5m
  namespace_ttl:
    sessions: 24h
rate_limit:
  enabled: true
  default_tier: premium
  tiers:
    premium:
      window: 1m
      max_requests: 600
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Loop.Deadline != 45*time.Second {
		t.Errorf("Deadline = %v, want 45s", cfg.Loop.Deadline)
	}
	if !cfg.Loop.ParallelTools {
		t.Errorf("ParallelTools = false, want true")
	}
	if cfg.Cache.NamespaceTTL["sessions"] != 24*time.Hour {
		t.Errorf("sessions TTL = %v, want 24h", cfg.Cache.NamespaceTTL["sessions"])
	}
	if tier := cfg.RateLimit.Tiers["premium"]; tier.MaxRequests != 600 {
		t.Errorf("premium tier = %+v, want 600 requests", tier)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestJSONSchemaReflectsConfig(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, field := range []string{"provider", "rate_limit", "max_iterations"} {
		if !strings.Contains(string(data), field) {
			t.Errorf("schema missing field %q", field)
		}
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
