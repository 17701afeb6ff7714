// Package config provides centralized configuration management for catalogsync.
// Values are layered by viper (defaults, config file, CATALOGSYNC_* environment,
// command flags) and decoded into a typed Config with mapstructure.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config, data and cache directories.
	AppName = "catalogsync"
	// EnvPrefix is the environment variable prefix (CATALOGSYNC_UPSTREAM_TOKEN -> upstream.token).
	EnvPrefix = "CATALOGSYNC"

	DefaultBaseURL = "https://boardgamegeek.com/xmlapi2"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every known key with its default so that AllSettings,
// AutomaticEnv and BindPFlag see the full key set.
func SetDefaults(v *viper.Viper) {
	if v == nil {
		return
	}

	// Upstream defaults
	v.SetDefault("upstream.base_url", DefaultBaseURL)
	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.user_agent", AppName)
	v.SetDefault("upstream.timeout", "60s")
	v.SetDefault("upstream.detail_batch_size", 20)

	// Rate limit defaults: one request every five seconds
	v.SetDefault("rate_limit.rate", 0.2)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.margin", 1.0)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "300s")
	v.SetDefault("breaker.hourly_budget", 720)
	v.SetDefault("breaker.budget_reset_interval", "1h")

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.queued_base_delay", "5s")
	v.SetDefault("retry.jitter", 0.8)
	v.SetDefault("retry.max_delay", "5m")
	v.SetDefault("retry.retry_server_faults", false)
	v.SetDefault("retry.respect_retry_after", false)

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_token", "")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Cache defaults
	v.SetDefault("cache.record_ttl", "24h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "production")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// ConfigureEnv maps CATALOGSYNC_SECTION_KEY variables onto section.key.
func ConfigureEnv(v *viper.Viper) {
	if v == nil {
		return
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
// This function is safe to call multiple times (e.g., for config reload)
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("viper instance is required")
	}

	cfg, err := Decode(v.AllSettings())
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Decode converts a nested settings map into a Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := DefaultConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
