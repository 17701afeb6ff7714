package errors

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/metrics"
	"github.com/bgpack/catalogsync/internal/observability"
	"github.com/bgpack/catalogsync/internal/server/middleware"
)

// Error codes shared by the HTTP surface and CLI.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeConfigInvalid      = "CONFIG_INVALID"
)

var statusByCode = map[string]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeValidationFailed:   http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeExternalService:    http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// internalContextKeys are logged but never echoed to clients.
var internalContextKeys = map[string]bool{
	"wrapped_error":  true,
	"original_error": true,
	"stack_trace":    true,
}

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

// Wrap functions take the request context so the envelope carries its request ID.

func WrapInvalidInput(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeInvalidInput, err, message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeInternal, err, message)
}

func WrapDatabaseError(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeDatabase, err, message)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeConfigInvalid, err, message)
}

func wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	id := middleware.GetRequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	envelope := errors.NewErrorEnvelope(code, message).
		WithCorrelationID(id).
		WithTraceID(id)
	if err == nil {
		return envelope
	}
	if updated, updateErr := envelope.WithContext(map[string]interface{}{"wrapped_error": err.Error()}); updateErr == nil {
		envelope = updated
	}
	return envelope
}

// EnsureEnvelope normalizes any error into an ErrorEnvelope. Plain errors become INTERNAL_ERROR.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	env := errors.NewErrorEnvelope(CodeInternal, "unexpected error")
	env, _ = env.WithContext(map[string]interface{}{"wrapped_error": err.Error()})
	env, _ = env.WithSeverity(errors.SeverityHigh)
	return env
}

// EnsureCorrelationID fills a missing correlation ID from ctx, or generates one.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil || envelope.CorrelationID != "" {
		return envelope
	}
	id := middleware.GetRequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return envelope.WithCorrelationID(id)
}

// HTTPStatusFromEnvelope resolves the HTTP status for an envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode resolves the HTTP status for an error code. Unknown codes map to 500.
func HTTPStatusFromCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ResponseDetails merges envelope details and context for the client, dropping internal diagnostics.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})
	for key, value := range envelope.Details {
		details[key] = value
	}
	for key, value := range envelope.Context {
		if internalContextKeys[key] {
			continue
		}
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail is the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail as {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes err and writes it as a JSON error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope logs the envelope, counts it and writes the response.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	envelope = EnsureCorrelationID(envelope, ctx)
	statusCode := HTTPStatusFromEnvelope(envelope)
	route := routeLabel(r)

	logHTTPError(envelope, statusCode, route)
	metrics.RecordError(envelope.Code, statusCode, route)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	})
}

// routeLabel returns the matched chi pattern so metrics never carry raw ids or usernames.
func routeLabel(r *http.Request) string {
	if r == nil {
		return ""
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int, route string) {
	logger := observability.ServerLogger
	if logger == nil || envelope == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
		zap.String("route", route),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch {
	case envelope.Severity == errors.SeverityCritical, envelope.Severity == errors.SeverityHigh:
		logger.Error(envelope.Message, fields...)
	case envelope.Severity == errors.SeverityMedium, statusCode >= http.StatusInternalServerError:
		logger.Warn(envelope.Message, fields...)
	default:
		logger.Info(envelope.Message, fields...)
	}
}
