package metrics

import (
	"github.com/bgpack/catalogsync/internal/core"
	"github.com/bgpack/catalogsync/internal/observability"
)

// Service-level metrics following Prometheus conventions
const (
	ServerStartTime = "app_server_start_time_seconds"

	// Breaker and budget gauges, refreshed from EndpointHealth snapshots
	CircuitOpen         = "upstream_circuit_open"
	ConsecutiveFailures = "upstream_consecutive_failures"
	BudgetUsed          = "upstream_budget_used"
	BudgetLimit         = "upstream_budget_limit"
	SuccessRate         = "upstream_success_rate"

	HealthEventsTotal = "upstream_health_events_total"
	AdminResetsTotal  = "admin_resets_total"
)

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// RecordEndpointHealth publishes per-endpoint breaker gauges and the budget view.
func RecordEndpointHealth(states []core.EndpointHealthState, budget core.BudgetState) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	for _, state := range states {
		labels := map[string]string{"endpoint": state.Endpoint}
		open := 0.0
		if state.CircuitOpen {
			open = 1
		}
		_ = sys.Gauge(CircuitOpen, open, labels)
		_ = sys.Gauge(ConsecutiveFailures, float64(state.ConsecutiveFailures), labels)
	}

	_ = sys.Gauge(BudgetUsed, float64(budget.Used), nil)
	_ = sys.Gauge(BudgetLimit, float64(budget.Limit), nil)
	_ = sys.Gauge(SuccessRate, budget.SuccessRate, nil)
}

// RecordHealthEvent counts breaker transitions and resets.
func RecordHealthEvent(event core.HealthEvent) {
	if observability.TelemetrySystem != nil {
		endpoint := event.Endpoint
		if endpoint == "" {
			endpoint = "all"
		}
		_ = observability.TelemetrySystem.Counter(
			HealthEventsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"kind":     event.Kind,
			},
		)
	}
}

// RecordAdminReset counts administrative resets by scope.
func RecordAdminReset(scope string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			AdminResetsTotal,
			1,
			map[string]string{"scope": scope},
		)
	}
}
