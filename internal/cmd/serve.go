package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/config"
	"github.com/bgpack/catalogsync/internal/core"
	"github.com/bgpack/catalogsync/internal/core/engine"
	"github.com/bgpack/catalogsync/internal/core/store"
	errwrap "github.com/bgpack/catalogsync/internal/errors"
	"github.com/bgpack/catalogsync/internal/metrics"
	"github.com/bgpack/catalogsync/internal/observability"
	"github.com/bgpack/catalogsync/internal/server"
	"github.com/bgpack/catalogsync/internal/server/handlers"
)

const (
	healthGaugeInterval = 15 * time.Second
	eventRetention      = 30 * 24 * time.Hour
	eventSinkBuffer     = 256
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// upstreamHealthChecker reports degraded while any circuit is open or the budget is spent.
type upstreamHealthChecker struct {
	health *engine.EndpointHealth
}

func (u upstreamHealthChecker) CheckHealth(ctx context.Context) error {
	if u.health.Budget().Exhausted {
		return fmt.Errorf("hourly request budget exhausted: %w", handlers.ErrDegraded)
	}
	for _, state := range u.health.Snapshot() {
		if state.CircuitOpen {
			return fmt.Errorf("%s circuit open: %w", state.Endpoint, handlers.ErrDegraded)
		}
	}
	return nil
}

// storeHealthChecker pings the record store.
type storeHealthChecker struct {
	db *store.Store
}

func (s storeHealthChecker) CheckHealth(ctx context.Context) error {
	if s.db == nil || s.db.DB == nil {
		return errors.New("store not initialized")
	}
	return s.db.DB.PingContext(ctx)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP lookup and admin server",
	Long: `Start the HTTP server with graceful shutdown support.

Routes:
  /v1/search, /v1/users/{username}/collection, /v1/games, /v1/games/{id}
  /v1/admin/endpoints, /v1/admin/endpoints/{name}/reset, /v1/admin/budget/reset, /v1/admin/events
  /health, /health/live, /health/ready, /health/startup, /version, /metrics

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config file re-read (logged; restart to apply engine settings)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(observability.CLILogger, exitConfigInvalid, "Invalid configuration", errwrap.WrapConfigInvalid(ctx, err, "configuration invalid"))
			return err
		}

		if err := observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Environment); err != nil {
			ExitWithCode(observability.CLILogger, exitConfigInvalid, "Failed to initialize server logger", err)
			return err
		}
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}
		metrics.SetServerStartTime(time.Now().Unix())

		var (
			db   *store.Store
			sink *store.EventSink
		)
		if cfg.Store.Enabled {
			db, err = openStore(ctx, cfg)
			if err != nil {
				return errwrap.WrapDatabaseError(ctx, err, "store initialization failed")
			}
			sink = store.NewEventSink(db, logger, eventSinkBuffer)
			if pruned, err := db.PruneHealthEvents(ctx, time.Now().Add(-eventRetention)); err != nil {
				logger.Warn("Failed to prune health event history", zap.Error(err))
			} else if pruned > 0 {
				logger.Info("Pruned health event history", zap.Int64("removed", pruned))
			}
		}

		opts := engineOptions{
			Logger:     logger,
			Instrument: true,
			OnEvent: func(event core.HealthEvent) {
				metrics.RecordHealthEvent(event)
				sink.Emit(event)
			},
		}
		if db != nil {
			opts.Cache = db
		}
		stack := buildEngine(cfg, opts)

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("upstream", cfg.Upstream.BaseURL),
			zap.Float64("effective_rate", stack.Limiter.EffectiveRate()),
			zap.Int64("hourly_budget", cfg.Breaker.HourlyBudget),
			zap.Bool("store_enabled", db != nil))

		hm := handlers.NewHealthManager(versionInfo.Version)
		hm.RegisterChecker("upstream", upstreamHealthChecker{health: stack.Health})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		if db != nil {
			hm.RegisterChecker("store", storeHealthChecker{db: db})
		}

		srvOpts := server.Options{
			Host:          cfg.Server.Host,
			Port:          cfg.Server.Port,
			ReadTimeout:   cfg.Server.ReadTimeout,
			WriteTimeout:  cfg.Server.WriteTimeout,
			IdleTimeout:   cfg.Server.IdleTimeout,
			Version:       versionInfo.Version,
			AdminToken:    cfg.Server.AdminToken,
			Health:        stack.Health,
			Catalog:       stack.Orchestrator,
			Endpoints:     knownEndpoints,
			HealthManager: hm,
			OnAdminReset:  metrics.RecordAdminReset,
		}
		if db != nil {
			srvOpts.Events = db
		}
		srv := server.New(srvOpts)

		bgCtx, stopBackground := context.WithCancel(ctx)
		go runBudgetResets(bgCtx, stack.Health, cfg.Breaker.BudgetResetInterval)
		go runHealthGauges(bgCtx, stack.Health, healthGaugeInterval)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: HTTP server, then background work and the store, then the logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.StopMetrics(); err != nil {
				logger.Warn("Prometheus exporter did not stop cleanly", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			stopBackground()
			if sink != nil {
				drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
				defer cancel()
				if err := sink.Close(drainCtx); err != nil {
					logger.Warn("Health event sink did not drain", zap.Error(err))
				}
				if dropped := sink.Dropped(); dropped > 0 {
					logger.Warn("Health events dropped during run", zap.Int64("dropped", dropped))
				}
			}
			if db != nil {
				if err := db.Close(); err != nil {
					return errwrap.WrapDatabaseError(ctx, err, "store close failed")
				}
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if _, err := loadConfig(); err != nil {
				logger.Error("Reloaded config is invalid", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			logger.Info("Configuration reloaded; engine settings apply on restart",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			stopBackground()
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

// runBudgetResets clears the hourly budget on every tick until ctx ends.
func runBudgetResets(ctx context.Context, health *engine.EndpointHealth, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health.ResetAll()
		}
	}
}

// runHealthGauges publishes endpoint breaker state to telemetry until ctx ends.
func runHealthGauges(ctx context.Context, health *engine.EndpointHealth, interval time.Duration) {
	publish := func() { metrics.RecordEndpointHealth(health.Snapshot(), health.Budget()) }
	publish()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("admin-token", "", "bearer token for admin routes (prefer CATALOGSYNC_SERVER_ADMIN_TOKEN)")
	serveCmd.Flags().Bool("store", false, "enable the record cache and health event history")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.admin_token", serveCmd.Flags().Lookup("admin-token"))
	_ = viper.BindPFlag("store.enabled", serveCmd.Flags().Lookup("store"))
}
