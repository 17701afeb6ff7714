package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/bgpack/catalogsync/internal/errors"
	"github.com/bgpack/catalogsync/internal/observability"
	"github.com/bgpack/catalogsync/internal/server/handlers"
	servermw "github.com/bgpack/catalogsync/internal/server/middleware"
)

// Options wires the server to the running service. Nil collaborators disable their routes.
type Options struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	Version       string
	AdminToken    string
	Health        handlers.HealthController
	Catalog       handlers.Catalog
	Events        handlers.HealthEventLister
	Endpoints     []string
	HealthManager *handlers.HealthManager
	OnAdminReset  func(scope string)
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	health *handlers.HealthManager
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)      // first, so every log line and error carries it
	r.Use(servermw.RequestMetrics) // measures everything below
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	health := opts.HealthManager
	if health == nil {
		health = handlers.NewHealthManager(opts.Version)
	}

	s := &Server{
		router: r,
		opts:   opts,
		health: health,
	}

	s.registerRoutes()

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  orDefault(s.opts.ReadTimeout, 30*time.Second),
		WriteTimeout: orDefault(s.opts.WriteTimeout, 60*time.Second),
		IdleTimeout:  orDefault(s.opts.IdleTimeout, 120*time.Second),
	}

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Starting HTTP server",
			zap.String("host", s.opts.Host),
			zap.Int("port", s.opts.Port),
			zap.String("addr", addr))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthManager returns the manager backing the /health routes.
func (s *Server) HealthManager() *handlers.HealthManager {
	return s.health
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.opts.Port
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
