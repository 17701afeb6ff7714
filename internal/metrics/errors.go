package metrics

import (
	"strconv"

	"github.com/bgpack/catalogsync/internal/observability"
)

const (
	APIErrorsTotal = "api_errors_total"
	PanicsTotal    = "panics_total"
)

// RecordError counts an error envelope written to a client. route must be a
// route pattern or coarse bucket, never a raw path.
func RecordError(errorCode string, httpStatus int, route string) {
	if observability.TelemetrySystem == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	_ = observability.TelemetrySystem.Counter(APIErrorsTotal, 1, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
		"route":       route,
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(PanicsTotal, 1, nil)
	}
}
