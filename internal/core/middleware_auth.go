package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"blastengine/internal/types"
)

// AdminKeyMiddleware guards the admin API with a static key, accepted as
// "Authorization: Bearer <key>" or "X-Api-Key: <key>". An empty key
// disables the check, which is only allowed in local mode by config
// validation.
func AdminKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		want := []byte(key)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractAPIKey(r)
			if got == "" {
				Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "admin API key is required", nil))
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid, "admin API key is invalid", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-Api-Key")); k != "" {
		return k
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// extractBearerToken returns the token of a "Bearer <token>" header value,
// or "" when the scheme does not match.
func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
