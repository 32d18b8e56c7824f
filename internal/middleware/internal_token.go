package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalTokenHeader carries the shared token for internal endpoints.
const InternalTokenHeader = "X-Internal-Token"

// InternalToken restricts access to requests carrying token in the
// X-Internal-Token header. It guards the metrics scrape. An empty token
// disables the check.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get(InternalTokenHeader)), []byte(token)) != 1 {
				SetErrorCode(r.Context(), errCodeForbidden)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
