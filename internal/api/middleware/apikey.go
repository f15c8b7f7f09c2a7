package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyAuth validates the shared API key on /api/v1/* requests. The key
// arrives either as "Authorization: Bearer <key>" or in the X-API-Key
// header. Health and version stay public. An empty key disables the
// check entirely; the transport adapter is then expected to sit on a
// private network.
type APIKeyAuth struct {
	key string
}

// NewAPIKeyAuth creates the middleware. key empty means auth disabled.
func NewAPIKeyAuth(key string) *APIKeyAuth {
	return &APIKeyAuth{key: key}
}

// Enabled reports whether requests are actually checked.
func (a *APIKeyAuth) Enabled() bool {
	return a.key != ""
}

// Middleware returns an http.Handler middleware that enforces the key.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		candidate := extractAPIKey(r)
		if candidate == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(a.key)) != 1 {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="infobot"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
