package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/goccy/go-json"

	apperrors "github.com/bgpack/catalogsync/internal/errors"
)

// ErrDegraded marks a check that still serves traffic at reduced capacity,
// such as an upstream endpoint with an open circuit.
var ErrDegraded = stderrors.New("degraded")

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components.
// Returning an error wrapping ErrDegraded reports "degraded" instead of "unhealthy".
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthManager manages health checks and probe states
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = statusTimeout
			continue
		}
		err := checkers[name].CheckHealth(ctx)
		switch {
		case err == nil:
			checks[name] = statusHealthy
		case stderrors.Is(err, ErrDegraded):
			checks[name] = statusDegraded
		default:
			checks[name] = statusUnhealthy
		}
	}

	return checks
}

func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		if status == statusUnhealthy {
			return statusUnhealthy
		}
		if status == statusDegraded || status == statusTimeout {
			degraded = true
		}
	}

	if degraded {
		return statusDegraded
	}
	return statusHealthy
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx)
	status := hm.determineOverallStatus(checks)

	if status == statusUnhealthy {
		envelope := apperrors.NewServiceUnavailableError("aggregate health check failed")
		envelope = enrichHealthEnvelope(envelope, "", status, checks)
		apperrors.RespondWithError(w, r, envelope)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// LivenessHandler reports whether the process is running. Upstream
// degradation does not fail liveness.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProbeResponse{
		Status:    statusHealthy,
		Timestamp: time.Now().UTC(),
	})
}

// ReadinessHandler reports whether the service can take traffic.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "ready", 5*time.Second)
}

// StartupHandler reports whether initialization has completed.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "startup", 3*time.Second)
}

func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string, timeout time.Duration) {
	checkCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.runHealthChecks(checkCtx)
	status := hm.determineOverallStatus(checks)

	if status == statusUnhealthy {
		envelope := apperrors.NewServiceUnavailableError(name + " probe failed")
		envelope = enrichHealthEnvelope(envelope, name, status, checks)
		apperrors.RespondWithError(w, r, envelope)
		return
	}

	writeJSON(w, http.StatusOK, ProbeResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{
		"status": status,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if probe != "" {
		details["probe"] = probe
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
	}
	if probe != "" {
		contextData["probe"] = probe
	}

	var unhealthy []string
	for name, result := range checks {
		if result != statusHealthy {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
