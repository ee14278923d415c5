// Package auth enforces bearer-token authentication on the HTTP API.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Config holds authentication configuration.
type Config struct {
	Enabled bool
	Token   string
}

// Validate rejects an enabled configuration without a usable token.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return errors.New("auth is enabled but no token is set")
	}
	if len(c.Token) < 16 {
		return errors.New("auth token must be at least 16 characters")
	}
	return nil
}

// exemptPaths are always public regardless of auth configuration.
var exemptPaths = map[string]bool{
	"/healthz":                 true,
	"/readyz":                  true,
	"/metrics":                 true,
	"/api/v1/catalog/metadata": true,
	"/api/v1/objects":          true,
}

// exemptPrefixes are path prefixes that are always public. Single-object
// queries are cheap; catalog-wide work and mutations stay protected.
var exemptPrefixes = []string{
	"/api/v1/propagate/",
	"/api/v1/track/",
}

// isExempt returns true if the request is exempt from auth.
func isExempt(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if exemptPaths[r.URL.Path] {
		return true
	}
	for _, prefix := range exemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// Middleware returns an HTTP middleware that enforces Bearer token auth
// on non-exempt requests when auth is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || isExempt(r) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")

			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="orbitrack"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
