package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// adminAuthMiddleware guards operator routes with a static bearer token. An
// empty token disables the routes entirely rather than leaving them open.
func adminAuthMiddleware(token string, resolver *clientIPResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				writeMiddlewareError(w, http.StatusServiceUnavailable, "admin api is disabled")
				return
			}
			presented, ok := bearerToken(r)
			if !ok {
				writeMiddlewareError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
					requestLogger.Warn("admin token rejected")
				}
				writeMiddlewareError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
