package metrics

import (
	"strconv"

	"github.com/bgpack/catalogsync/internal/core/engine"
	"github.com/bgpack/catalogsync/internal/observability"
)

const (
	UpstreamAttemptsTotal   = "upstream_attempts_total"
	UpstreamAttemptDuration = "upstream_attempt_duration_ms"
	UpstreamRetriesTotal    = "upstream_retries_total"
	UpstreamSuppressedTotal = "upstream_suppressed_total"
	UpstreamBackoffDuration = "upstream_backoff_duration_ms"

	SyncOperationsTotal = "sync_operations_total"
	SyncRecordsReturned = "sync_records_returned"
)

// Recorder forwards gateway and orchestrator events to the global telemetry system.
// It implements engine.Observer and engine.SyncObserver.
type Recorder struct{}

var (
	_ engine.Observer     = Recorder{}
	_ engine.SyncObserver = Recorder{}
)

// ObserveAttempt records one finished upstream attempt.
func (Recorder) ObserveAttempt(attempt engine.RetryAttempt) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	labels := map[string]string{
		"endpoint": attempt.Endpoint,
		"outcome":  attempt.Kind.String(),
		"status":   strconv.Itoa(attempt.StatusCode),
	}
	_ = sys.Counter(UpstreamAttemptsTotal, 1, labels)
	_ = sys.Histogram(UpstreamAttemptDuration, attempt.Latency, map[string]string{"endpoint": attempt.Endpoint})

	if attempt.Index > 1 {
		_ = sys.Counter(UpstreamRetriesTotal, 1, map[string]string{"endpoint": attempt.Endpoint})
		_ = sys.Histogram(UpstreamBackoffDuration, attempt.CumulativeDelay, map[string]string{"endpoint": attempt.Endpoint})
	}
}

// ObserveSuppressed records a call denied by admission control.
func (Recorder) ObserveSuppressed(endpoint string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			UpstreamSuppressedTotal,
			1,
			map[string]string{"endpoint": endpoint},
		)
	}
}

// ObserveSync records the result of one facade operation.
func (Recorder) ObserveSync(operation string, records int, degraded error) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	status := "success"
	if degraded != nil {
		status = "degraded"
	}
	_ = sys.Counter(SyncOperationsTotal, 1, map[string]string{
		"operation": operation,
		"status":    status,
		"reason":    engine.DegradeReason(degraded),
	})
	_ = sys.Gauge(SyncRecordsReturned, float64(records), map[string]string{"operation": operation})
}
