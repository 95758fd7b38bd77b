// Package contextkeys centralizes the request context keys shared between
// the middleware and handlers, avoiding import cycles and key collisions.
package contextkeys

import (
	"context"

	"github.com/platinummonkey/keygate/pkg/auth"
)

// Key is the type for context keys
type Key string

const (
	// AuthKey is the context key for the authenticated token context
	AuthKey Key = "keygate_auth"
)

// WithAuth adds an auth context to the request context
func WithAuth(ctx context.Context, ac *auth.AuthContext) context.Context {
	return context.WithValue(ctx, AuthKey, ac)
}

// GetAuth retrieves the auth context, or nil when unauthenticated
func GetAuth(ctx context.Context) *auth.AuthContext {
	ac, ok := ctx.Value(AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return ac
}
