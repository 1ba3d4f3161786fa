package auth

import (
	"net/http"
	"strings"
)

// Identity headers set by the upstream auth proxy. The proxy strips any
// client-supplied copies before they reach the gateway.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderEmail   = "X-Auth-Email"
	HeaderTeam    = "X-Auth-Team"
	HeaderRoles   = "X-Auth-Roles"
)

// Middleware establishes the request principal. It supports two paths:
//  1. trusted identity headers from the upstream proxy
//  2. local API keys via "Authorization: Bearer mjk_..."
//
// Paths in skipPaths pass through without a principal.
type Middleware struct {
	trustedHeaders bool
	keys           *KeyStore
	skipExact      map[string]bool
	skipPrefix     []string
}

// NewMiddleware builds auth middleware with optional skip paths.
// Paths ending in "*" match by prefix.
func NewMiddleware(trustedHeaders bool, keys *KeyStore, skipPaths []string) *Middleware {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}
	return &Middleware{
		trustedHeaders: trustedHeaders,
		keys:           keys,
		skipExact:      skipExact,
		skipPrefix:     skipPrefix,
	}
}

// Wrap returns the wrapped HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			// Enforcement paths extract their own principal; attach one when
			// headers are present so the proxy can attribute the call.
			if p, ok := m.principalFromRequest(r); ok {
				r = r.WithContext(WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
			return
		}

		p, ok := m.principalFromRequest(r)
		if !ok {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipExact[path] {
		return true
	}
	for _, p := range m.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m *Middleware) principalFromRequest(r *http.Request) (Principal, bool) {
	if m.trustedHeaders {
		if subject := strings.TrimSpace(r.Header.Get(HeaderSubject)); subject != "" {
			return Principal{
				ID:    subject,
				Email: strings.TrimSpace(r.Header.Get(HeaderEmail)),
				Team:  strings.TrimSpace(r.Header.Get(HeaderTeam)),
				Roles: splitRoles(r.Header.Get(HeaderRoles)),
			}, true
		}
	}

	if m.keys != nil {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if strings.HasPrefix(token, KeyPrefix) {
				if p, err := m.keys.Validate(token); err == nil {
					return p, true
				}
			}
		}
	}

	return Principal{}, false
}

func splitRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}
