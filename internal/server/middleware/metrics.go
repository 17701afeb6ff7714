package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/observability"
)

const (
	HTTPRequestsTotal   = "http_requests_total"
	HTTPRequestDuration = "http_request_duration_ms"
	HTTPResponseSize    = "http_response_size_bytes"
	HTTPErrorsTotal     = "http_errors_total"
)

// Route surfaces used as a low-cardinality label.
const (
	surfaceLookup = "lookup"
	surfaceAdmin  = "admin"
	surfaceProbe  = "probe"
	surfaceOther  = "other"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// getEndpointPattern returns the chi route pattern, or a coarse bucket for unmatched paths.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/health"):
		return "/health/*"
	case strings.HasPrefix(path, "/v1/admin/"):
		return "/v1/admin/*"
	case strings.HasPrefix(path, "/v1/"):
		return "/v1/*"
	case path == "/version", path == "/metrics", path == "/":
		return path
	default:
		return "/unknown"
	}
}

// routeSurface classifies a route pattern as lookup, admin, probe or other.
func routeSurface(pattern string) string {
	switch {
	case strings.HasPrefix(pattern, "/v1/admin"), strings.HasPrefix(pattern, "/admin/"):
		return surfaceAdmin
	case strings.HasPrefix(pattern, "/v1/"):
		return surfaceLookup
	case strings.HasPrefix(pattern, "/health"), pattern == "/version", pattern == "/metrics":
		return surfaceProbe
	default:
		return surfaceOther
	}
}

// RequestMetrics emits per-request telemetry and a completion log line.
// Probe traffic logs at debug so scrapers and orchestrators do not flood the log.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		endpoint := getEndpointPattern(r)
		surface := routeSurface(endpoint)

		if sys := observability.TelemetrySystem; sys != nil {
			labels := map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
				"surface":  surface,
				"status":   strconv.Itoa(rec.status),
			}
			_ = sys.Counter(HTTPRequestsTotal, 1, labels)
			_ = sys.Histogram(HTTPRequestDuration, duration, labels)
			_ = sys.Gauge(HTTPResponseSize, float64(rec.bytes), map[string]string{
				"endpoint": endpoint,
				"surface":  surface,
			})

			if rec.status >= http.StatusBadRequest {
				errorType := "client_error"
				if rec.status >= http.StatusInternalServerError {
					errorType = "server_error"
				}
				_ = sys.Counter(HTTPErrorsTotal, 1, map[string]string{
					"endpoint":   endpoint,
					"surface":    surface,
					"status":     strconv.Itoa(rec.status),
					"error_type": errorType,
				})
			}
		}

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", endpoint),
			zap.String("surface", surface),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
			zap.Int64("response_size", rec.bytes),
			zap.String("requestID", GetRequestID(r.Context())),
		}
		if surface == surfaceProbe {
			logger.Debug("HTTP request completed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
