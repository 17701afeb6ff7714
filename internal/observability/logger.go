package observability

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
)

const defaultEnvironment = "production"

var (
	// CLILogger writes human-oriented output for one-shot commands.
	CLILogger *logging.Logger

	// ServerLogger writes JSON lines for the long-running service.
	ServerLogger *logging.Logger
)

// Logger returns the server logger in serve mode and the CLI logger otherwise.
// It is nil until one of the Init functions succeeds.
func Logger() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

// InitCLILogger installs CLILogger. verbose lowers the level to debug.
func InitCLILogger(serviceName string, verbose bool) error {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		return fmt.Errorf("init cli logger: %w", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
	return nil
}

// InitServerLogger installs ServerLogger as a structured stderr logger.
func InitServerLogger(serviceName, logLevel, environment string) error {
	logger, err := logging.New(serverLoggerConfig(serviceName, logLevel, environment))
	if err != nil {
		return fmt.Errorf("init server logger: %w", err)
	}
	ServerLogger = logger
	return nil
}

func serverLoggerConfig(serviceName, logLevel, environment string) *logging.LoggerConfig {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		environment = defaultEnvironment
	}

	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(logLevel),
		Service:      serviceName,
		Environment:  environment,
		StaticFields: map[string]any{"component": "catalogsync"},
		Middleware: []logging.MiddlewareConfig{
			// Copies request/correlation ids from context onto each entry.
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:    "console",
				Format:  "json",
				Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: environment != defaultEnvironment,
	}
}

var logLevels = map[string]string{
	"trace":   "TRACE",
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

// parseLogLevel maps a config level to the logging severity name. Unknown values mean INFO.
func parseLogLevel(level string) string {
	if severity, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return severity
	}
	return "INFO"
}
