package observability

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

const (
	defaultNamespace   = "catalogsync"
	fallbackScrapePort = 9090
)

var (
	// TelemetrySystem receives every counter, gauge and histogram. Nil disables emission.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves the scrape endpoint that /metrics relays.
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// InitMetrics starts a Prometheus exporter on port (0 picks a free one) and
// routes TelemetrySystem to it. Metric names are prefixed with the service name.
func InitMetrics(serviceName string, port int) error {
	if port < 0 {
		port = 0
	}

	exporter := exporters.NewPrometheusExporter(metricNamespace(serviceName), fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: exporter})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}

	bound, err := resolvePort(exporter.GetAddr())
	switch {
	case err == nil:
		metricsPort = bound
	case port == 0:
		metricsPort = fallbackScrapePort
	default:
		metricsPort = port
	}

	PrometheusExporter = exporter
	TelemetrySystem = sys
	return nil
}

// StopMetrics shuts down the exporter and disables emission.
func StopMetrics() error {
	exporter := PrometheusExporter
	PrometheusExporter = nil
	TelemetrySystem = nil
	if exporter == nil {
		return nil
	}
	return exporter.Stop()
}

// DisableTelemetry installs a disabled global system so CLI runs emit nothing.
func DisableTelemetry() {
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}
}

// GetMetricsPort returns the exporter's bound port, or 0 before InitMetrics.
func GetMetricsPort() int {
	return metricsPort
}

// metricNamespace turns a service name into a Prometheus-safe prefix.
func metricNamespace(serviceName string) string {
	ns := strings.ReplaceAll(strings.TrimSpace(serviceName), "-", "_")
	if ns == "" {
		return defaultNamespace
	}
	return ns
}

func resolvePort(addr string) (int, error) {
	_, raw, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}
