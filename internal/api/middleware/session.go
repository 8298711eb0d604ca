// Package middleware provides HTTP middleware for fleetd.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/d9705996/fleetd/internal/authz"
)

type contextKey string

const principalKey contextKey = "principal"

// SessionHeader carries the session token when the body does not.
const SessionHeader = "X-Session-Token"

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *authz.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the Principal stored by WithPrincipal.
// Returns nil if not present.
func PrincipalFromContext(ctx context.Context) *authz.Principal {
	p, _ := ctx.Value(principalKey).(*authz.Principal)
	return p
}

// SessionToken reads the token from the session header, falling back to an
// Authorization bearer value.
func SessionToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(SessionHeader)); t != "" {
		return t
	}
	return extractBearerToken(r)
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
