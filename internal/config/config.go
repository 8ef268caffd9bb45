package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/actiongate/internal/otel"
)

// IntegrationConfig holds per-integration webhook settings. Secrets is
// ordered newest-first; every entry is tried during rotation windows.
type IntegrationConfig struct {
	Secrets []string `yaml:"secrets"`
	// Envelope switches verification to the base64 envelope scheme
	// (timestamp:body HMAC) used by chat-platform callbacks.
	Envelope bool `yaml:"envelope"`
	// HeaderName overrides the default signature header.
	HeaderName string `yaml:"header_name"`
}

type WebhookConfig struct {
	MaxAgeSeconds     int                          `yaml:"max_age_seconds"`
	FutureSkewSeconds int                          `yaml:"future_skew_seconds"`
	Integrations      map[string]IntegrationConfig `yaml:"integrations"`
}

type IdempotencyConfig struct {
	TTLHours int   `yaml:"ttl_hours"`
	FailOpen *bool `yaml:"fail_open"`
}

type OutcomeConfig struct {
	UnchangedThreshold     float64 `yaml:"unchanged_threshold"`
	MinorEditThreshold     float64 `yaml:"minor_edit_threshold"`
	DeletionTimeoutMinutes int     `yaml:"deletion_timeout_minutes"`
	HistoryCap             int     `yaml:"history_cap"`
}

type TrustConfig struct {
	// Strategy is "ema" or "decayed_history".
	Strategy     string  `yaml:"strategy"`
	HalfLifeDays float64 `yaml:"half_life_days"`
}

type DLQConfig struct {
	AlertThreshold  int    `yaml:"alert_threshold"`
	BackoffStrategy string `yaml:"backoff_strategy"`
	RetentionDays   int    `yaml:"retention_days"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// UpstreamConfig points the action executor at its collaborator
// services. An empty URL leaves that action kind refusing to run.
type UpstreamConfig struct {
	HelpdeskURL  string `yaml:"helpdesk_url"`
	PaymentsURL  string `yaml:"payments_url"`
	LicensingURL string `yaml:"licensing_url"`
	Token        string `yaml:"token"`
}

type SweeperConfig struct {
	DraftSweepExpr string `yaml:"draft_sweep"`
	PurgeExpr      string `yaml:"reservation_purge"`
	TrimExpr       string `yaml:"dlq_trim"`
}

type Config struct {
	DataDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// APIKey authenticates the review console endpoints (/status, /feed).
	APIKey string `yaml:"api_key"`

	// AllowOrigins controls which Origin headers are accepted for
	// browser websocket connections to /feed. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// RateLimitPerMinute bounds webhook ingress per integration. 0 = unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// PolicyPath points at the gate's YAML denylist/threshold file.
	PolicyPath string `yaml:"policy_path"`

	Webhook     WebhookConfig     `yaml:"webhook"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Outcome     OutcomeConfig     `yaml:"outcome"`
	Trust       TrustConfig       `yaml:"trust"`
	DLQ         DLQConfig         `yaml:"dlq"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Upstreams   UpstreamConfig    `yaml:"upstreams"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	OTel        otel.Config       `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	failOpen := true
	return Config{
		BindAddr:           "127.0.0.1:18980",
		LogLevel:           "info",
		RateLimitPerMinute: 600,
		Webhook: WebhookConfig{
			MaxAgeSeconds:     int((5 * time.Minute).Seconds()),
			FutureSkewSeconds: 5,
		},
		Idempotency: IdempotencyConfig{
			TTLHours: 24,
			FailOpen: &failOpen,
		},
		Outcome: OutcomeConfig{
			UnchangedThreshold:     0.95,
			MinorEditThreshold:     0.70,
			DeletionTimeoutMinutes: 120,
			HistoryCap:             200,
		},
		Trust: TrustConfig{
			Strategy:     "decayed_history",
			HalfLifeDays: 30,
		},
		DLQ: DLQConfig{
			AlertThreshold:  3,
			BackoffStrategy: "exponential",
			RetentionDays:   14,
		},
	}
}

// DataDir resolves the service home: ACTIONGATE_HOME override, else
// ~/.actiongate.
func DataDir() string {
	if override := os.Getenv("ACTIONGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".actiongate")
}

// ConfigPath returns the path to config.yaml within the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(DataDir())
}

// LoadFrom reads config.yaml under dataDir, applies env overrides, and
// normalizes. A missing file yields defaults with NeedsGenesis set.
func LoadFrom(dataDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.DataDir = dataDir

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.DataDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18980"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Webhook.MaxAgeSeconds <= 0 {
		cfg.Webhook.MaxAgeSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Webhook.FutureSkewSeconds <= 0 {
		cfg.Webhook.FutureSkewSeconds = 5
	}
	if cfg.Idempotency.TTLHours <= 0 {
		cfg.Idempotency.TTLHours = 24
	}
	if cfg.Idempotency.FailOpen == nil {
		failOpen := true
		cfg.Idempotency.FailOpen = &failOpen
	}
	if cfg.Outcome.UnchangedThreshold <= 0 {
		cfg.Outcome.UnchangedThreshold = 0.95
	}
	if cfg.Outcome.MinorEditThreshold <= 0 {
		cfg.Outcome.MinorEditThreshold = 0.70
	}
	if cfg.Outcome.DeletionTimeoutMinutes <= 0 {
		cfg.Outcome.DeletionTimeoutMinutes = 120
	}
	if cfg.Outcome.HistoryCap <= 0 {
		cfg.Outcome.HistoryCap = 200
	}
	if cfg.Trust.Strategy == "" {
		cfg.Trust.Strategy = "decayed_history"
	}
	if cfg.Trust.HalfLifeDays <= 0 {
		cfg.Trust.HalfLifeDays = 30
	}
	if cfg.DLQ.AlertThreshold <= 0 {
		cfg.DLQ.AlertThreshold = 3
	}
	if cfg.DLQ.BackoffStrategy == "" {
		cfg.DLQ.BackoffStrategy = "exponential"
	}
	if cfg.DLQ.RetentionDays <= 0 {
		cfg.DLQ.RetentionDays = 14
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.DataDir, "policy.yaml")
	}
}

func validate(cfg *Config) error {
	switch cfg.Trust.Strategy {
	case "ema", "decayed_history":
	default:
		return fmt.Errorf("trust.strategy %q: want ema or decayed_history", cfg.Trust.Strategy)
	}
	switch cfg.DLQ.BackoffStrategy {
	case "exponential", "linear":
	default:
		return fmt.Errorf("dlq.backoff_strategy %q: want exponential or linear", cfg.DLQ.BackoffStrategy)
	}
	if cfg.Outcome.MinorEditThreshold > cfg.Outcome.UnchangedThreshold {
		return fmt.Errorf("outcome thresholds inverted: minor_edit %.2f > unchanged %.2f",
			cfg.Outcome.MinorEditThreshold, cfg.Outcome.UnchangedThreshold)
	}
	for name, integ := range cfg.Webhook.Integrations {
		for _, s := range integ.Secrets {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("integration %q has an empty secret", name)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ACTIONGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ACTIONGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ACTIONGATE_API_KEY"); raw != "" {
		cfg.APIKey = raw
	}
	if raw := os.Getenv("ACTIONGATE_RATE_LIMIT_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimitPerMinute = v
		}
	}
	if raw := os.Getenv("ACTIONGATE_UPSTREAM_TOKEN"); raw != "" {
		cfg.Upstreams.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
	// ACTIONGATE_SECRET_<INTEGRATION> prepends a rotation secret.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, "ACTIONGATE_SECRET_") {
			continue
		}
		integration := strings.ToLower(strings.TrimPrefix(name, "ACTIONGATE_SECRET_"))
		if cfg.Webhook.Integrations == nil {
			cfg.Webhook.Integrations = make(map[string]IntegrationConfig)
		}
		integ := cfg.Webhook.Integrations[integration]
		integ.Secrets = append([]string{value}, integ.Secrets...)
		cfg.Webhook.Integrations[integration] = integ
	}
}

// Durations derived from the numeric YAML fields.

func (c Config) WebhookMaxAge() time.Duration {
	return time.Duration(c.Webhook.MaxAgeSeconds) * time.Second
}

func (c Config) WebhookFutureSkew() time.Duration {
	return time.Duration(c.Webhook.FutureSkewSeconds) * time.Second
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLHours) * time.Hour
}

func (c Config) DeletionTimeout() time.Duration {
	return time.Duration(c.Outcome.DeletionTimeoutMinutes) * time.Minute
}

func (c Config) DLQRetention() time.Duration {
	return time.Duration(c.DLQ.RetentionDays) * 24 * time.Hour
}

// Fingerprint returns a stable hash of the active config, surfaced on
// /status so operators can confirm a reload landed.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|maxage=%d|skew=%d|ttl=%d|strategy=%s|halflife=%v|thresholds=%v,%v|dlq=%d,%s|rate=%d",
		c.BindAddr, c.LogLevel, c.Webhook.MaxAgeSeconds, c.Webhook.FutureSkewSeconds,
		c.Idempotency.TTLHours, c.Trust.Strategy, c.Trust.HalfLifeDays,
		c.Outcome.UnchangedThreshold, c.Outcome.MinorEditThreshold,
		c.DLQ.AlertThreshold, c.DLQ.BackoffStrategy, c.RateLimitPerMinute)
	names := make([]string, 0, len(c.Webhook.Integrations))
	for name, integ := range c.Webhook.Integrations {
		names = append(names, fmt.Sprintf("%s:%d", name, len(integ.Secrets)))
	}
	sort.Strings(names)
	fmt.Fprintf(h, "|integrations=%v", names)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
