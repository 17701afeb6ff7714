package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/bgpack/catalogsync/internal/config"
	"github.com/bgpack/catalogsync/internal/core"
	"github.com/bgpack/catalogsync/internal/core/engine"
	"github.com/bgpack/catalogsync/internal/core/normalize"
	"github.com/bgpack/catalogsync/internal/core/store"
	"github.com/bgpack/catalogsync/internal/metrics"
)

// knownEndpoints are listed by the admin surface even before first use.
var knownEndpoints = []string{
	string(core.EndpointCollection),
	string(core.EndpointSearch),
	string(core.EndpointThing),
}

// engineStack is one wired gateway, breaker and orchestrator sharing a rate limiter.
type engineStack struct {
	Limiter      *engine.RateLimiter
	Health       *engine.EndpointHealth
	Gateway      *engine.Gateway
	Orchestrator *engine.Orchestrator
}

type engineOptions struct {
	Logger  *logging.Logger
	Cache   engine.RecordCache
	OnEvent func(core.HealthEvent)
	// Instrument attaches the telemetry recorder to the gateway and orchestrator.
	Instrument bool
	Client     *http.Client
}

// buildEngine wires the upstream stack from configuration.
func buildEngine(cfg *config.Config, opts engineOptions) *engineStack {
	limiter := &engine.RateLimiter{
		Rate:   cfg.RateLimit.Rate,
		Burst:  cfg.RateLimit.Burst,
		Margin: cfg.RateLimit.Margin,
		Logger: opts.Logger,
	}

	health := &engine.EndpointHealth{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		HourlyBudget:     cfg.Breaker.HourlyBudget,
		Logger:           opts.Logger,
		OnEvent:          opts.OnEvent,
	}

	gateway := &engine.Gateway{
		Client:    opts.Client,
		BaseURL:   cfg.Upstream.BaseURL,
		Token:     cfg.Upstream.Token,
		UserAgent: userAgent(cfg.Upstream.UserAgent),
		Timeout:   cfg.Upstream.Timeout,
		Limiter:   limiter,
		Health:    health,
		Policy: engine.RetryPolicy{
			MaxRetries:        cfg.Retry.MaxRetries,
			BaseDelay:         cfg.Retry.BaseDelay,
			QueuedBaseDelay:   cfg.Retry.QueuedBaseDelay,
			Jitter:            cfg.Retry.Jitter,
			MaxDelay:          cfg.Retry.MaxDelay,
			RetryServerFaults: cfg.Retry.RetryServerFaults,
		},
		RespectRetryAfter: cfg.Retry.RespectRetryAfter,
		Logger:            opts.Logger,
	}

	orchestrator := &engine.Orchestrator{
		Gateway:         gateway,
		Normalizer:      &normalize.Normalizer{Logger: opts.Logger},
		Cache:           opts.Cache,
		CacheTTL:        cfg.Cache.RecordTTL,
		DetailBatchSize: cfg.Upstream.DetailBatchSize,
		Logger:          opts.Logger,
	}

	if opts.Instrument {
		gateway.Observer = metrics.Recorder{}
		orchestrator.Observer = metrics.Recorder{}
	}

	return &engineStack{
		Limiter:      limiter,
		Health:       health,
		Gateway:      gateway,
		Orchestrator: orchestrator,
	}
}

// userAgent appends the build version to a bare product token.
func userAgent(configured string) string {
	ua := strings.TrimSpace(configured)
	if ua == "" {
		ua = config.AppName
	}
	if strings.Contains(ua, "/") || versionInfo.Version == "" {
		return ua
	}
	return ua + "/" + versionInfo.Version
}

// openStore opens and migrates the configured record store.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return db, nil
}
