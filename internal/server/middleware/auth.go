package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/observability"
)

// BearerAuth rejects requests whose Authorization header does not carry token.
// An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		expected := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				if observability.ServerLogger != nil {
					observability.ServerLogger.Warn("Rejected admin request",
						zap.String("path", r.URL.Path),
						zap.String("requestID", GetRequestID(r.Context())))
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="catalogsync"`)
				writeErrorBody(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, value, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
