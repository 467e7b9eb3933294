// Package config loads the switchboard YAML configuration. Secrets
// (database DSN, Redis address, bot tokens) come from the environment and
// override the file, so the file can be committed without credentials.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/classify"
	"github.com/butlerfleet/switchboard/internal/contract"
	"github.com/butlerfleet/switchboard/internal/dispatch"
	"github.com/butlerfleet/switchboard/internal/reliability"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Retry      RetryConfig      `yaml:"retry"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Triage     TriageConfig     `yaml:"triage"`
	Registry   RegistryConfig   `yaml:"registry"`
	Inbox      InboxConfig      `yaml:"inbox"`
	Connectors ConnectorsConfig `yaml:"connectors"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type ClassifierConfig struct {
	Endpoint        string         `yaml:"endpoint"`
	TimeoutMs       int            `yaml:"timeout_ms"`
	TimeoutMsByTier map[string]int `yaml:"timeout_ms_by_tier"`
	DefaultTarget   string         `yaml:"default_target"`
}

type BufferConfig struct {
	MaxDepth        int `yaml:"max_depth"`
	HardLimit       int `yaml:"hard_limit"`
	StarvationAfter int `yaml:"starvation_after"`
}

type DispatchConfig struct {
	Workers        int `yaml:"workers"`
	MaxRequeues    int `yaml:"max_requeues"`
	PerWorkerQueue int `yaml:"per_worker_queue"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSec        int `yaml:"window_sec"`
	CooldownSec      int `yaml:"cooldown_sec"`
	Probes           int `yaml:"probes"`
}

type RateLimitConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// RateLimitsConfig is keyed by policy tier name.
type RateLimitsConfig map[string]RateLimitConfig

type TimeoutsConfig struct {
	DefaultMs int            `yaml:"default_ms"`
	Channels  map[string]int `yaml:"channels_ms"`
}

type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter"`
}

type DedupConfig struct {
	WindowTTLMinutes int `yaml:"window_ttl_minutes"`
}

type TriageConfig struct {
	RefreshSec     int  `yaml:"refresh_sec"`
	AllowAffinity  bool `yaml:"allow_affinity"`
	AffinityTTLMin int  `yaml:"affinity_ttl_minutes"`
}

type RegistryConfig struct {
	RosterDir  string `yaml:"roster_dir"`
	RefreshSec int    `yaml:"refresh_sec"`
}

type InboxConfig struct {
	RetentionMonths int `yaml:"retention_months"`
}

type ConnectorsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Chat     ChatConfig     `yaml:"chat"`
}

type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"`
	BotID       string `yaml:"bot_id"`
	IntervalSec int    `yaml:"interval_sec"`
}

type EmailConfig struct {
	Enabled     bool   `yaml:"enabled"`
	FeedURL     string `yaml:"feed_url"`
	Mailbox     string `yaml:"mailbox"`
	IntervalSec int    `yaml:"interval_sec"`
}

type ChatConfig struct {
	Enabled bool   `yaml:"enabled"`
	FeedURL string `yaml:"feed_url"`
	RoomsID string `yaml:"rooms_id"`
}

// LoadConfig reads path, applies defaults, then environment overrides.
// A missing file is not an error: defaults plus environment carry a dev
// setup.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if derr := yaml.NewDecoder(f).Decode(&cfg); derr != nil {
			return nil, derr
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Classifier.TimeoutMs <= 0 {
		c.Classifier.TimeoutMs = 5_000
	}
	if c.Classifier.TimeoutMsByTier == nil {
		// Realtime traffic cannot wait out the full default budget.
		c.Classifier.TimeoutMsByTier = map[string]int{
			string(contract.TierRealtime): 2_000,
			string(contract.TierBulk):     10_000,
		}
	}
	if c.Classifier.DefaultTarget == "" {
		c.Classifier.DefaultTarget = "general"
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSec <= 0 {
		c.Breaker.WindowSec = 30
	}
	if c.Breaker.CooldownSec <= 0 {
		c.Breaker.CooldownSec = 60
	}
	if c.Breaker.Probes <= 0 {
		c.Breaker.Probes = 3
	}
	if c.RateLimits == nil {
		c.RateLimits = RateLimitsConfig{
			string(contract.TierRealtime): {Capacity: 20, RefillPerSec: 10},
			string(contract.TierDefault):  {Capacity: 10, RefillPerSec: 5},
			string(contract.TierBulk):     {Capacity: 5, RefillPerSec: 1},
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = 500
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 10_000
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Dedup.WindowTTLMinutes <= 0 {
		c.Dedup.WindowTTLMinutes = 48 * 60
	}
	if c.Triage.RefreshSec <= 0 {
		c.Triage.RefreshSec = 30
	}
	if c.Triage.AffinityTTLMin <= 0 {
		c.Triage.AffinityTTLMin = 120
	}
	if c.Registry.RefreshSec <= 0 {
		c.Registry.RefreshSec = 60
	}
	if c.Inbox.RetentionMonths <= 0 {
		c.Inbox.RetentionMonths = 6
	}
	if c.Connectors.Telegram.IntervalSec <= 0 {
		c.Connectors.Telegram.IntervalSec = 2
	}
	if c.Connectors.Email.IntervalSec <= 0 {
		c.Connectors.Email.IntervalSec = 30
	}
}

// applyEnv lets deployment secrets override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC_ID"); v != "" {
		c.PubSub.TopicID = v
	}
	if v := os.Getenv("CLASSIFIER_ENDPOINT"); v != "" {
		c.Classifier.Endpoint = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Connectors.Telegram.Token = v
	}
}

// ============================================================================
// TRANSLATION TO PACKAGE CONFIGS
// ============================================================================

// BufferQueue maps onto the admission queue bounds.
func (c *Config) BufferQueue() buffer.Config {
	return buffer.Config{
		MaxDepth:        c.Buffer.MaxDepth,
		HardLimit:       c.Buffer.HardLimit,
		StarvationAfter: c.Buffer.StarvationAfter,
	}
}

// Pipeline maps onto the dispatch pool shape.
func (c *Config) Pipeline() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	if c.Dispatch.Workers > 0 {
		cfg.Workers = c.Dispatch.Workers
	}
	if c.Dispatch.MaxRequeues > 0 {
		cfg.MaxRequeues = c.Dispatch.MaxRequeues
	}
	if c.Dispatch.PerWorkerQueue > 0 {
		cfg.PerWorkerQueue = c.Dispatch.PerWorkerQueue
	}
	return cfg
}

// BreakerDefaults maps onto the per-target circuit breaker parameters.
func (c *Config) BreakerDefaults() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		Window:           time.Duration(c.Breaker.WindowSec) * time.Second,
		Cooldown:         time.Duration(c.Breaker.CooldownSec) * time.Second,
		Probes:           c.Breaker.Probes,
	}
}

// TierBuckets maps the per-tier rate limits onto token bucket configs.
func (c *Config) TierBuckets() map[contract.PolicyTier]reliability.BucketConfig {
	out := make(map[contract.PolicyTier]reliability.BucketConfig, len(c.RateLimits))
	for tier, rl := range c.RateLimits {
		out[contract.PolicyTier(tier)] = reliability.BucketConfig{
			Capacity:     rl.Capacity,
			RefillPerSec: rl.RefillPerSec,
		}
	}
	return out
}

// DispatchTimeouts maps onto the per-channel dispatch budgets.
func (c *Config) DispatchTimeouts() reliability.Timeouts {
	t := reliability.DefaultTimeouts()
	if c.Timeouts.DefaultMs > 0 {
		t.Default = time.Duration(c.Timeouts.DefaultMs) * time.Millisecond
	}
	for channel, ms := range c.Timeouts.Channels {
		if ms > 0 {
			t.Channels[channel] = time.Duration(ms) * time.Millisecond
		}
	}
	return t
}

// RetryPolicy maps onto the attempt-level retry parameters.
func (c *Config) RetryPolicy() reliability.RetryPolicy {
	return reliability.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		Jitter:      c.Retry.Jitter,
	}
}

// ClassifierBudgets returns the per-tier classifier call budgets.
func (c *Config) ClassifierBudgets() classify.Budgets {
	b := classify.Budgets{
		Default: time.Duration(c.Classifier.TimeoutMs) * time.Millisecond,
		ByTier:  make(map[contract.PolicyTier]time.Duration, len(c.Classifier.TimeoutMsByTier)),
	}
	for tier, ms := range c.Classifier.TimeoutMsByTier {
		if ms > 0 {
			b.ByTier[contract.PolicyTier(tier)] = time.Duration(ms) * time.Millisecond
		}
	}
	return b
}

// DedupTTL returns the recent-window lifetime.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.WindowTTLMinutes) * time.Minute
}

// AffinityTTL returns the thread-affinity pin lifetime.
func (c *Config) AffinityTTL() time.Duration {
	return time.Duration(c.Triage.AffinityTTLMin) * time.Minute
}
