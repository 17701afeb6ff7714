package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/bgpack/catalogsync/internal/errors"
	"github.com/bgpack/catalogsync/internal/observability"
)

const prometheusContentType = "text/plain; version=0.0.4"

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

var metricsProxyClient = &http.Client{Timeout: 5 * time.Second}

// MetricsHandler serves the Prometheus exporter's output on the main listener,
// so one port carries lookups, admin routes and scrapes.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if observability.PrometheusExporter == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("metrics exporter not initialized"))
		return
	}

	port := observability.GetMetricsPort()
	if port == 0 {
		port = 9090
	}
	target := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		apperrors.RespondWithError(w, r, exporterError(apperrors.CodeInternal, "unable to build metrics request", target, err))
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		apperrors.RespondWithError(w, r, exporterError(apperrors.CodeExternalService, "prometheus exporter unavailable", target, err))
		return
	}
	defer resp.Body.Close() // nolint:errcheck // proxied body

	for key, values := range resp.Header {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", prometheusContentType)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to relay metrics response", zap.Error(err))
	}
}

func exporterError(code, message, target string, cause error) *errors.ErrorEnvelope {
	envelope, _ := errors.NewErrorEnvelope(code, message).WithContext(map[string]interface{}{
		"metrics_url":    target,
		"original_error": cause.Error(),
	})
	return envelope
}
