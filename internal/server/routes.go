package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/observability"
	"github.com/bgpack/catalogsync/internal/server/handlers"
	servermw "github.com/bgpack/catalogsync/internal/server/middleware"
)

// Signal endpoint throttle: requests per minute and burst.
const (
	signalRateLimit = 10
	signalRateBurst = 5
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Method(http.MethodGet, "/version", &handlers.VersionHandler{Service: handlers.ServiceInfo{
		Endpoints:    s.opts.Endpoints,
		EventHistory: s.opts.Events != nil,
		AdminAuth:    s.opts.AdminToken != "",
	}})
	s.router.Get("/metrics", MetricsHandler)

	if s.opts.Catalog != nil || s.opts.Health != nil {
		s.router.Route("/v1", func(r chi.Router) {
			if s.opts.Catalog != nil {
				s.registerLookupRoutes(r)
			}
			if s.opts.Health != nil {
				s.registerAdminRoutes(r)
			}
		})
	}
	s.registerSignalEndpoint()
}

func (s *Server) registerLookupRoutes(r chi.Router) {
	games := &handlers.GamesHandler{Catalog: s.opts.Catalog}
	r.Get("/search", games.Search)
	r.Get("/users/{username}/collection", games.Collection)
	r.Get("/games", games.Games)
	r.Get("/games/{id}", games.Game)
}

func (s *Server) registerAdminRoutes(r chi.Router) {
	admin := &handlers.AdminHandler{
		Health:    s.opts.Health,
		Events:    s.opts.Events,
		Endpoints: s.opts.Endpoints,
		OnReset:   s.opts.OnAdminReset,
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(servermw.BearerAuth(s.opts.AdminToken))
		r.Get("/endpoints", admin.ListEndpoints)
		r.Post("/endpoints/{name}/reset", admin.ResetEndpoint)
		r.Post("/budget/reset", admin.ResetBudget)
		r.Get("/events", admin.ListEvents)
	})

	if s.opts.AdminToken == "" && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Admin routes are unauthenticated; set server.admin_token to protect them")
	}
}

// registerSignalEndpoint exposes the gofulmen signal handler when an admin token is configured.
func (s *Server) registerSignalEndpoint() {
	logger := observability.ServerLogger
	if s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no admin token configured)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: signalRateLimit,
		RateBurst: signalRateBurst,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.Int("rate_limit_per_min", signalRateLimit))
	}
}
