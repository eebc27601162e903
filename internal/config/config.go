// Package config loads the post-auction service configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/StreetsDigital/thenexusengine/pas/internal/matching"
	"github.com/StreetsDigital/thenexusengine/pas/pkg/logger"
)

// BankerType selects the ledger implementation
type BankerType string

const (
	BankerMemory   BankerType = "memory"
	BankerPostgres BankerType = "postgres"
)

// Config is the root service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Matching  MatchingConfig  `yaml:"matching"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Banker    BankerConfig    `yaml:"banker"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       logger.Config   `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP injection API
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size"`
}

// MatchingConfig configures the matching engine and its loop
type MatchingConfig struct {
	AuctionTimeout     time.Duration     `yaml:"auction_timeout"`
	WinTimeout         time.Duration     `yaml:"win_timeout"`
	SweepInterval      time.Duration     `yaml:"sweep_interval"`
	SweepBatchLimit    int               `yaml:"sweep_batch_limit"`
	AuctionQueueSize   int               `yaml:"auction_queue_size"`
	EventQueueSize     int               `yaml:"event_queue_size"`
	HealthStaleAfter   time.Duration     `yaml:"health_stale_after"`
	DefaultLabelPolicy string            `yaml:"default_label_policy"`
	LabelPolicies      map[string]string `yaml:"label_policies"`
}

// RedisConfig configures the agent configuration store
type RedisConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	AgentsKey       string        `yaml:"agents_key"`
	ChannelPrefix   string        `yaml:"channel_prefix"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	NotifyQueueSize int           `yaml:"notify_queue_size"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
}

// NATSConfig configures inbound transport and the audit log
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	AuditPrefix   string `yaml:"audit_prefix"`
}

// BankerConfig configures the ledger
type BankerConfig struct {
	Type BankerType `yaml:"type"`
	DSN  string     `yaml:"dsn"`
}

// AuthConfig configures API key authentication on the injection API
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKeys string `yaml:"api_keys"` // "key1:producer1,key2:producer2"
}

// RateLimitConfig configures per-producer rate limiting
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	BurstSize         int  `yaml:"burst_size"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     1024 * 1024,
		},
		Matching: MatchingConfig{
			AuctionTimeout:     matching.DefaultAuctionTimeout,
			WinTimeout:         matching.DefaultWinTimeout,
			SweepInterval:      100 * time.Millisecond,
			SweepBatchLimit:    0,
			AuctionQueueSize:   10000,
			EventQueueSize:     10000,
			HealthStaleAfter:   10 * time.Second,
			DefaultLabelPolicy: string(matching.LabelUnique),
		},
		Redis: RedisConfig{
			URL:             "redis://localhost:6379/0",
			AgentsKey:       "pas:agents",
			ChannelPrefix:   "pas:agent:",
			RefreshInterval: 30 * time.Second,
			NotifyQueueSize: 10000,
			NotifyTimeout:   time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "pas",
			AuditPrefix:   "pas.log",
		},
		Banker: BankerConfig{
			Type: BankerMemory,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10000,
			BurstSize:         1000,
		},
		Log: logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Namespace: "pas",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PAS_* environment variables
func (c *Config) applyEnv() error {
	if v := os.Getenv("PAS_PORT"); v != "" {
		c.Server.Port = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PAS_AUCTION_TIMEOUT", &c.Matching.AuctionTimeout},
		{"PAS_WIN_TIMEOUT", &c.Matching.WinTimeout},
		{"PAS_SWEEP_INTERVAL", &c.Matching.SweepInterval},
		{"PAS_HEALTH_STALE_AFTER", &c.Matching.HealthStaleAfter},
		{"PAS_AGENT_REFRESH_INTERVAL", &c.Redis.RefreshInterval},
		{"PAS_AGENT_NOTIFY_TIMEOUT", &c.Redis.NotifyTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PAS_SWEEP_BATCH_LIMIT", &c.Matching.SweepBatchLimit},
		{"PAS_AUCTION_QUEUE_SIZE", &c.Matching.AuctionQueueSize},
		{"PAS_EVENT_QUEUE_SIZE", &c.Matching.EventQueueSize},
		{"PAS_AGENT_NOTIFY_QUEUE_SIZE", &c.Redis.NotifyQueueSize},
		{"PAS_RATE_LIMIT_RPS", &c.RateLimit.RequestsPerSecond},
		{"PAS_RATE_LIMIT_BURST", &c.RateLimit.BurstSize},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", i.key, err)
		}
		*i.dst = parsed
	}

	if v := os.Getenv("PAS_REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("PAS_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("PAS_BANKER_DSN"); v != "" {
		c.Banker.DSN = v
		c.Banker.Type = BankerPostgres
	}
	if v := os.Getenv("PAS_API_KEYS"); v != "" {
		c.Auth.APIKeys = v
		c.Auth.Enabled = true
	}
	if os.Getenv("PAS_RATE_LIMIT_ENABLED") == "true" {
		c.RateLimit.Enabled = true
	}
	if v := os.Getenv("PAS_DEFAULT_LABEL_POLICY"); v != "" {
		c.Matching.DefaultLabelPolicy = v
	}
	if v := os.Getenv("PAS_LABEL_POLICIES"); v != "" {
		policies, err := parseLabelPolicies(v)
		if err != nil {
			return err
		}
		c.Matching.LabelPolicies = policies
	}
	return nil
}

// parseLabelPolicies parses "click:unique,impression:ignore"
func parseLabelPolicies(v string) (map[string]string, error) {
	policies := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid PAS_LABEL_POLICIES entry %q", pair)
		}
		policies[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return policies, nil
}

// ApplyOverrides applies command-line values over the loaded configuration.
// Zero values are ignored; anything else, negative included, is kept for
// Validate to judge.
func (c *Config) ApplyOverrides(port string, auctionTimeout, winTimeout time.Duration) {
	if port != "" {
		c.Server.Port = port
	}
	if auctionTimeout != 0 {
		c.Matching.AuctionTimeout = auctionTimeout
	}
	if winTimeout != 0 {
		c.Matching.WinTimeout = winTimeout
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Matching.AuctionTimeout <= 0 {
		return fmt.Errorf("matching.auction_timeout must be positive, got %s", c.Matching.AuctionTimeout)
	}
	if c.Matching.WinTimeout <= 0 {
		return fmt.Errorf("matching.win_timeout must be positive, got %s", c.Matching.WinTimeout)
	}
	if c.Matching.SweepInterval <= 0 {
		return fmt.Errorf("matching.sweep_interval must be positive, got %s", c.Matching.SweepInterval)
	}
	if c.Matching.SweepBatchLimit < 0 {
		return fmt.Errorf("matching.sweep_batch_limit must not be negative, got %d", c.Matching.SweepBatchLimit)
	}
	if c.Matching.AuctionQueueSize <= 0 || c.Matching.EventQueueSize <= 0 {
		return fmt.Errorf("matching queue sizes must be positive")
	}
	if c.Matching.HealthStaleAfter <= 0 {
		return fmt.Errorf("matching.health_stale_after must be positive, got %s", c.Matching.HealthStaleAfter)
	}
	if _, err := c.LabelPolicies(); err != nil {
		return err
	}

	switch c.Banker.Type {
	case BankerMemory:
	case BankerPostgres:
		if c.Banker.DSN == "" {
			return fmt.Errorf("banker.dsn is required when banker type is postgres")
		}
	default:
		return fmt.Errorf("invalid banker type: %s (must be memory or postgres)", c.Banker.Type)
	}

	if c.Redis.Enabled && c.Redis.RefreshInterval <= 0 {
		return fmt.Errorf("redis.refresh_interval must be positive, got %s", c.Redis.RefreshInterval)
	}
	if c.Redis.Enabled && (c.Redis.NotifyQueueSize <= 0 || c.Redis.NotifyTimeout <= 0) {
		return fmt.Errorf("redis.notify_queue_size and redis.notify_timeout must be positive")
	}
	if c.NATS.Enabled && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required when nats is enabled")
	}
	return nil
}

// LabelPolicies converts the configured policy names into matcher policies
func (c *Config) LabelPolicies() (matching.LabelPolicies, error) {
	def, err := matching.ParseLabelPolicy(c.Matching.DefaultLabelPolicy)
	if err != nil {
		return matching.LabelPolicies{}, fmt.Errorf("matching.default_label_policy: %w", err)
	}

	out := matching.LabelPolicies{Default: def}
	if len(c.Matching.LabelPolicies) > 0 {
		out.Labels = make(map[string]matching.LabelPolicy, len(c.Matching.LabelPolicies))
		for label, name := range c.Matching.LabelPolicies {
			p, err := matching.ParseLabelPolicy(name)
			if err != nil {
				return matching.LabelPolicies{}, fmt.Errorf("matching.label_policies[%s]: %w", label, err)
			}
			out.Labels[label] = p
		}
	}
	return out, nil
}
