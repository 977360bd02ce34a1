package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
)

// AdminAuth validates admin token authentication for the dashboard API.
//
// When enabled (AEGISGATE_ADMIN_TOKENS is set), all requests to /admin/v1/*
// must include a valid token via:
//   - Authorization: Bearer <token>
//   - X-Admin-Token: <token>
//
// Tokens are configured via the AEGISGATE_ADMIN_TOKENS environment variable
// as a comma-separated list. With no tokens configured the admin surface is
// open, which is the zero-config single-operator deployment.
type AdminAuth struct {
	mu      sync.RWMutex
	tokens  map[string]bool
	enabled bool
}

// NewAdminAuth creates admin token middleware from environment config.
func NewAdminAuth() *AdminAuth {
	auth := &AdminAuth{tokens: make(map[string]bool)}

	for _, tok := range strings.Split(os.Getenv("AEGISGATE_ADMIN_TOKENS"), ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			auth.tokens[tok] = true
			auth.enabled = true
		}
	}
	return auth
}

// Enabled reports whether admin token auth is active.
func (a *AdminAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AddToken registers a token at runtime.
func (a *AdminAuth) AddToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[tok] = true
	a.enabled = true
}

// RemoveToken revokes a token at runtime.
func (a *AdminAuth) RemoveToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, tok)
	if len(a.tokens) == 0 {
		a.enabled = false
	}
}

// Middleware returns an http.Handler middleware enforcing admin token auth.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractAdminToken(r)
		if token == "" {
			respondAdminUnauthorized(w, "admin token required: set Authorization: Bearer <token> or X-Admin-Token header")
			return
		}
		if !a.validate(token) {
			respondAdminUnauthorized(w, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) validate(candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for tok := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(tok)) == 1 {
			return true
		}
	}
	return false
}

func extractAdminToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-Admin-Token")
}

func respondAdminUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="aegisgate-admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
