package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxRetriesLimit bounds retry.max_retries; past it the backoff schedule is all MaxDelay.
const MaxRetriesLimit = 10

// Config represents the complete application configuration.
// Values come from viper: defaults (SetDefaults), an optional YAML file,
// CATALOGSYNC_* environment variables and bound command flags.
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// UpstreamConfig describes the catalog XML API.
type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// DetailBatchSize caps ids per thing request.
	DetailBatchSize int `mapstructure:"detail_batch_size"`
}

// RateLimitConfig configures the shared token bucket.
type RateLimitConfig struct {
	// Rate is requests per second before the margin is applied.
	Rate   float64 `mapstructure:"rate"`
	Burst  int     `mapstructure:"burst"`
	Margin float64 `mapstructure:"margin"`
}

// BreakerConfig configures per-endpoint circuits and the hourly request budget.
type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	HourlyBudget        int64         `mapstructure:"hourly_budget"`
	BudgetResetInterval time.Duration `mapstructure:"budget_reset_interval"`
}

// RetryConfig configures backoff for retryable outcomes.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	QueuedBaseDelay   time.Duration `mapstructure:"queued_base_delay"`
	Jitter            float64       `mapstructure:"jitter"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RetryServerFaults bool          `mapstructure:"retry_server_faults"`
	RespectRetryAfter bool          `mapstructure:"respect_retry_after"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AdminToken guards /v1/admin and /admin/signal. Empty leaves admin routes open.
	AdminToken string `mapstructure:"admin_token"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// CacheConfig contains record cache TTL configuration.
type CacheConfig struct {
	RecordTTL time.Duration `mapstructure:"record_ttl"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`
	// Environment is attached to every server log entry. Stack traces are
	// only captured outside "production".
	Environment string `mapstructure:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Port is the dedicated Prometheus scrape port.
	Port int `mapstructure:"port"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var problems []string
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		problems = append(problems, "upstream.base_url is required")
	}
	if c.Upstream.DetailBatchSize < 0 {
		problems = append(problems, "upstream.detail_batch_size must not be negative")
	}
	if c.RateLimit.Rate <= 0 {
		problems = append(problems, "rate_limit.rate must be positive")
	}
	if c.RateLimit.Burst < 1 {
		problems = append(problems, "rate_limit.burst must be at least 1")
	}
	if c.RateLimit.Margin <= 0 || c.RateLimit.Margin > 1 {
		problems = append(problems, "rate_limit.margin must be in (0, 1]")
	}
	if c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		problems = append(problems, "breaker.cooldown must be positive")
	}
	if c.Breaker.HourlyBudget < 1 {
		problems = append(problems, "breaker.hourly_budget must be at least 1")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > MaxRetriesLimit {
		problems = append(problems, fmt.Sprintf("retry.max_retries must be in [0, %d]", MaxRetriesLimit))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.QueuedBaseDelay < 0 || c.Retry.MaxDelay < 0 {
		problems = append(problems, "retry delays must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		problems = append(problems, "retry.jitter must be in [0, 1]")
	}
	if c.Store.Enabled && strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
		problems = append(problems, "store.path or store.url is required when the store is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
