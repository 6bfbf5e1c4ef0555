package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyHeader is the alternative to a bearer Authorization header.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey rejects requests that do not present key either as
// "Authorization: Bearer <key>" or in the X-API-Key header. An empty key
// disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		want := []byte(key)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="phonekit"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
