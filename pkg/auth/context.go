package auth

import (
	"context"

	"github.com/platinummonkey/gymdesk/pkg/contextkeys"
)

// WithContext stores the authentication context and the user id
func WithContext(ctx context.Context, ac *AuthContext) context.Context {
	ctx = contextkeys.WithAuth(ctx, ac)
	if uid := ac.UserID(); uid != "" {
		ctx = contextkeys.WithUserID(ctx, uid)
	}
	return ctx
}

// FromContext returns the authentication context or nil
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return ac
}
