package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/insights/internal/auth"
)

// Error codes written by RequireAdmin. They match the codes used by the api package.
const (
	errCodeAuthFailed = "auth_failed"
	errCodeForbidden  = "forbidden"
)

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireAdmin rejects requests that do not carry a valid admin access token in
// the Authorization header. Missing or invalid tokens get 401; valid tokens
// without the admin role get 403. The token subject is recorded for Logging.
func RequireAdmin(validator TokenValidator, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				metrics.IncAuthFailures("missing")
				writeAuthError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				reason, message := "invalid", "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					reason, message = "expired", "Token has expired"
				}
				metrics.IncAuthFailures(reason)
				writeAuthError(w, r, http.StatusUnauthorized, errCodeAuthFailed, message)
				return
			}

			ctx := SetUserID(r.Context(), claims.Subject)
			if !claims.IsAdmin() {
				metrics.IncAuthFailures("forbidden")
				writeAuthError(w, r.WithContext(ctx), http.StatusForbidden, errCodeForbidden, "Admin role required")
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	SetErrorCode(r.Context(), code)
	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="insights"`)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
