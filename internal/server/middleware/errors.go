package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/metrics"
	"github.com/bgpack/catalogsync/internal/observability"
)

const panicMessage = "internal error while handling request"

// Recovery turns a handler panic into a 500 response. The panic value and
// stack go to the server log only.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}

			requestID := GetRequestID(r.Context())
			metrics.RecordPanic()
			if logger := observability.ServerLogger; logger != nil {
				logger.Error("Handler panic",
					zap.String("panic", fmt.Sprint(recovered)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestID),
					zap.ByteString("stack", debug.Stack()),
				)
			}

			writeErrorBody(w, http.StatusInternalServerError, "INTERNAL_ERROR", panicMessage, requestID)
		}()

		next.ServeHTTP(w, r)
	})
}

// errorBody matches the {"error": {...}} shape written by the errors package,
// which this package cannot import.
type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeErrorBody(w http.ResponseWriter, status int, code, message, requestID string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.RequestID = requestID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
