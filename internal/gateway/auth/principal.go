// Package auth establishes the authenticated principal for each request.
// Identity is validated upstream (OIDC proxy or dev API keys); this package
// only extracts the resulting claims and makes them available on the context.
package auth

import (
	"context"
	"strings"
)

// Role describes a principal role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleViewer Role = "viewer"
)

// Principal is an authenticated caller: subject id, email, team, roles.
type Principal struct {
	ID    string   `json:"id"`
	Email string   `json:"email,omitempty"`
	Team  string   `json:"team,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Anonymous is the principal used when no identity could be established on
// an enforcement path. Registry endpoints reject it outright.
var Anonymous = Principal{ID: "anonymous"}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.HasRole(string(RoleAdmin))
}

// HasRole reports whether the principal carries the given role (case-insensitive).
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// InTeam reports whether the principal belongs to team (case-insensitive).
func (p Principal) InTeam(team string) bool {
	return team != "" && strings.EqualFold(p.Team, team)
}

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext retrieves the authenticated principal from the request context.
// The second return is false when no principal was established.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
