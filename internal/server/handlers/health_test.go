package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bgpack/catalogsync/internal/errors"
)

func fixedChecker(err error) CheckerFunc {
	return func(context.Context) error { return err }
}

func circuitOpen(endpoint string) error {
	return fmt.Errorf("%s circuit open: %w", endpoint, ErrDegraded)
}

func TestHealthHandlerAggregatesChecks(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]error
		status   int
		overall  string
		checks   map[string]string
	}{
		{
			name:     "all healthy",
			checkers: map[string]error{"upstream": nil, "store": nil},
			status:   http.StatusOK,
			overall:  statusHealthy,
			checks:   map[string]string{"upstream": statusHealthy, "store": statusHealthy},
		},
		{
			name:     "open circuit degrades",
			checkers: map[string]error{"upstream": circuitOpen("thing"), "store": nil},
			status:   http.StatusOK,
			overall:  statusDegraded,
			checks:   map[string]string{"upstream": statusDegraded, "store": statusHealthy},
		},
		{
			name:     "no checkers",
			checkers: map[string]error{},
			status:   http.StatusOK,
			overall:  statusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewHealthManager("1.2.3")
			for name, err := range tt.checkers {
				manager.RegisterChecker(name, fixedChecker(err))
			}

			rec := httptest.NewRecorder()
			manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tt.status, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.overall, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			if tt.checks != nil {
				assert.Equal(t, tt.checks, resp.Checks)
			}
		})
	}
}

func TestHealthHandlerFailsWhenStoreIsDown(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("upstream", fixedChecker(circuitOpen("search")))
	manager.RegisterChecker("store", fixedChecker(errors.New("database is locked")))

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]interface{})
	require.True(t, ok, "checks are reported in error details")
	assert.Equal(t, statusUnhealthy, checks["store"])
	assert.Equal(t, statusDegraded, checks["upstream"])
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestProbesUseTheirOwnRules(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", fixedChecker(errors.New("down")))

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores checkers")

	rec = httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessStaysUpWhileDegraded(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("upstream", fixedChecker(circuitOpen("collection")))

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCanceledContextMarksRemainingChecksTimedOut(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("store", fixedChecker(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checks := manager.runHealthChecks(ctx)
	assert.Equal(t, map[string]string{"store": statusTimeout}, checks)
	assert.Equal(t, statusDegraded, manager.determineOverallStatus(checks))
}
