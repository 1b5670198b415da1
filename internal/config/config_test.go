package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, "not_a_real_field: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("expected default host, got %q", cfg.Server.Host)
	}
	if cfg.StateStore.RedisAddr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Circuit.FailureThreshold != 5 {
		t.Fatalf("expected default failure threshold 5, got %d", cfg.Circuit.FailureThreshold)
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeTempConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic:
      api_key: test-key
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing provider entry")
	}
}

func TestLoadValidatesAuthAPIKeys(t *testing.T) {
	path := writeTempConfig(t, `
auth:
  api_keys:
    - key: dup
      name: one
    - key: dup
      name: two
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate api key")
	}
}

func TestLoadValidatesJWTSecretLength(t *testing.T) {
	path := writeTempConfig(t, `
auth:
  jwt_secret: too-short
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for short jwt secret")
	}
}

func TestLoadValidatesApprovalProfile(t *testing.T) {
	path := writeTempConfig(t, `
tools:
  approval:
    profile: bogus
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid approval profile")
	}
}

func TestLoadValidApprovalProfile(t *testing.T) {
	path := writeTempConfig(t, `
tools:
  approval:
    profile: readonly
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadValidatesBudgetTripFraction(t *testing.T) {
	path := writeTempConfig(t, `
circuit:
  budget_trip_fraction: 1.5
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for out-of-range budget_trip_fraction")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "server:\n  host: 127.0.0.1\n")
	t.Setenv("CONDUCTOR_HOST", "10.0.0.5")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != "10.0.0.5" {
		t.Fatalf("expected env override to win, got %q", cfg.Server.Host)
	}
}

func TestLoadValidatesCronJobs(t *testing.T) {
	path := writeTempConfig(t, `
cron:
  enabled: true
  jobs:
    - type: probe
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for cron job missing id")
	}
}
