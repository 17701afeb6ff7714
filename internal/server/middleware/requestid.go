package middleware

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds caller-supplied IDs before they reach logs and error bodies.
const maxRequestIDLength = 128

type requestIDKey struct{}

// RequestID propagates a caller's X-Request-ID or assigns a new UUID, echoing it on the response.
// Caller IDs that are too long or contain non-printable characters are replaced.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := chimw.GetReqID(r.Context())
		if requestID == "" {
			requestID = r.Header.Get(RequestIDHeader)
		}
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request's correlation ID, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return chimw.GetReqID(ctx)
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
