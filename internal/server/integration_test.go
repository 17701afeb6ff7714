package server_test

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgpack/catalogsync/internal/core/engine"
	"github.com/bgpack/catalogsync/internal/core/normalize"
	"github.com/bgpack/catalogsync/internal/metrics"
	"github.com/bgpack/catalogsync/internal/observability"
	"github.com/bgpack/catalogsync/internal/server"
	"github.com/bgpack/catalogsync/internal/server/handlers"
)

// cleanupMetrics tears down global telemetry state so each test starts clean.
func cleanupMetrics(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { _ = observability.StopMetrics() })
}

// isPermissionError matches sandboxes that refuse loopback sockets.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func initMetricsOrSkip(t *testing.T) {
	t.Helper()
	if err := observability.InitMetrics("test", 0); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	cleanupMetrics(t)
}

func listenOrSkip(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping server setup: %v", err)
		}
		require.NoError(t, err)
	}
	ts := &httptest.Server{Listener: listener, Config: &http.Server{Handler: handler}}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

// newCatalogStack wires a real engine against a fake XML upstream.
func newCatalogStack(upstreamURL string) (*engine.Orchestrator, *engine.EndpointHealth) {
	health := &engine.EndpointHealth{FailureThreshold: 3, Cooldown: time.Minute, HourlyBudget: 1000}
	gateway := &engine.Gateway{
		BaseURL: upstreamURL,
		Limiter: engine.NewRateLimiter(1000, 10),
		Health:  health,
		Policy: engine.RetryPolicy{
			MaxRetries:      2,
			BaseDelay:       time.Millisecond,
			QueuedBaseDelay: time.Millisecond,
		},
		Observer: metrics.Recorder{},
	}
	orchestrator := &engine.Orchestrator{
		Gateway:    gateway,
		Normalizer: &normalize.Normalizer{},
		Observer:   metrics.Recorder{},
	}
	return orchestrator, health
}

func TestCatalogServerEmitsMetrics_Integration(t *testing.T) {
	require.NoError(t, observability.InitServerLogger("test", "info", "test"))
	initMetricsOrSkip(t)

	var queued sync.Once
	upstream := listenOrSkip(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collection" {
			first := false
			queued.Do(func() { first = true })
			if first {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			_, _ = w.Write([]byte(`<items totalitems="1"><item objecttype="thing" objectid="13" subtype="boardgame"><name sortindex="1">Catan</name></item></items>`))
			return
		}
		_, _ = w.Write([]byte(`<items><item id="13"><name type="primary" value="Catan"/></item></items>`))
	}))

	orchestrator, health := newCatalogStack(upstream.URL)
	srv := server.New(server.Options{
		Host:          "127.0.0.1",
		Catalog:       orchestrator,
		Health:        health,
		HealthManager: handlers.NewHealthManager("test"),
	})
	ts := listenOrSkip(t, srv.Handler())
	client := ts.Client()

	paths := []string{"/v1/search?q=catan", "/v1/users/alice/collection", "/v1/games?ids=13", "/health"}
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			resp, err := client.Get(ts.URL + path)
			if err == nil {
				_ = resp.Body.Close()
			}
		}(path)
	}
	wg.Wait()

	resp, err := client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	content := string(body)
	assert.Contains(t, content, "test_http_requests_total")
	assert.Contains(t, content, "test_upstream_attempts_total")
	assert.Contains(t, content, "test_upstream_retries_total")
	assert.Contains(t, content, "test_sync_operations_total")
	assert.Equal(t, int64(4), health.Budget().Used, "three lookups plus one queued retry")
}

func TestMetricsEndpoint_PrometheusFormat(t *testing.T) {
	require.NoError(t, observability.InitServerLogger("test", "info", "test"))
	initMetricsOrSkip(t)

	ts := listenOrSkip(t, server.New(server.Options{}).Handler())
	client := ts.Client()

	resp, err := client.Get(ts.URL + "/version")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	contentType := resp.Header.Get("Content-Type")
	assert.True(t, strings.HasPrefix(contentType, "text/plain; version=0.0.4"),
		"Expected Prometheus content type, got: %s", contentType)

	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)

	metricLines := 0
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if !strings.HasPrefix(line, "#") && strings.TrimSpace(line) != "" {
			metricLines++
		}
	}
	assert.Greater(t, metricLines, 0, "Should have actual metric values")
}
