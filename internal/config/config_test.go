package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("missing config.yaml not flagged")
	}
	if cfg.BindAddr != "127.0.0.1:18980" || cfg.LogLevel != "info" {
		t.Fatalf("defaults = %s/%s", cfg.BindAddr, cfg.LogLevel)
	}
	if cfg.WebhookMaxAge() != 5*time.Minute || cfg.WebhookFutureSkew() != 5*time.Second {
		t.Fatalf("webhook windows = %v/%v", cfg.WebhookMaxAge(), cfg.WebhookFutureSkew())
	}
	if cfg.IdempotencyTTL() != 24*time.Hour {
		t.Fatalf("ttl = %v", cfg.IdempotencyTTL())
	}
	if cfg.Idempotency.FailOpen == nil || !*cfg.Idempotency.FailOpen {
		t.Fatal("fail-open default not true")
	}
	if cfg.Trust.Strategy != "decayed_history" || cfg.Trust.HalfLifeDays != 30 {
		t.Fatalf("trust = %+v", cfg.Trust)
	}
	if cfg.DLQ.AlertThreshold != 3 || cfg.DLQ.BackoffStrategy != "exponential" {
		t.Fatalf("dlq = %+v", cfg.DLQ)
	}
	if cfg.PolicyPath != filepath.Join(dir, "policy.yaml") {
		t.Fatalf("policy path = %s", cfg.PolicyPath)
	}
}

func TestLoadFrom_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
bind_addr: "0.0.0.0:9000"
log_level: debug
trust:
  strategy: ema
  half_life_days: 15
webhook:
  max_age_seconds: 120
  integrations:
    helpdesk:
      secrets: [new_secret, old_secret]
    chat:
      secrets: [chat_secret]
      envelope: true
idempotency:
  ttl_hours: 48
  fail_open: false
`
	if err := os.WriteFile(ConfigPath(dir), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("existing config flagged as genesis")
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.Trust.Strategy != "ema" || cfg.Trust.HalfLifeDays != 15 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.WebhookMaxAge() != 2*time.Minute {
		t.Fatalf("max age = %v", cfg.WebhookMaxAge())
	}
	hd := cfg.Webhook.Integrations["helpdesk"]
	if len(hd.Secrets) != 2 || hd.Secrets[0] != "new_secret" {
		t.Fatalf("helpdesk = %+v", hd)
	}
	if !cfg.Webhook.Integrations["chat"].Envelope {
		t.Fatal("envelope flag lost")
	}
	if cfg.IdempotencyTTL() != 48*time.Hour {
		t.Fatalf("ttl = %v", cfg.IdempotencyTTL())
	}
	if *cfg.Idempotency.FailOpen {
		t.Fatal("explicit fail_open false overridden")
	}
}

func TestLoadFrom_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad strategy", "trust:\n  strategy: bayesian\n"},
		{"bad backoff", "dlq:\n  backoff_strategy: fibonacci\n"},
		{"inverted thresholds", "outcome:\n  unchanged_threshold: 0.5\n  minor_edit_threshold: 0.8\n"},
		{"empty secret", "webhook:\n  integrations:\n    helpdesk:\n      secrets: [\"\"]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(ConfigPath(dir), []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadFrom(dir); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("ACTIONGATE_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("ACTIONGATE_API_KEY", "env-key")
	t.Setenv("ACTIONGATE_SECRET_HELPDESK", "rotated_secret")

	dir := t.TempDir()
	content := `
webhook:
  integrations:
    helpdesk:
      secrets: [file_secret]
`
	if err := os.WriteFile(ConfigPath(dir), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" || cfg.APIKey != "env-key" {
		t.Fatalf("env overrides lost: %+v", cfg)
	}
	secrets := cfg.Webhook.Integrations["helpdesk"].Secrets
	if len(secrets) != 2 || secrets[0] != "rotated_secret" || secrets[1] != "file_secret" {
		t.Fatalf("secrets = %v, want env secret prepended", secrets)
	}
}

func TestFingerprint_TracksMaterialChanges(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs differ")
	}
	b.Webhook.MaxAgeSeconds = 600
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed max age not reflected in fingerprint")
	}
	c := a
	c.Webhook.Integrations = map[string]IntegrationConfig{"helpdesk": {Secrets: []string{"s"}}}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("added integration not reflected in fingerprint")
	}
}
