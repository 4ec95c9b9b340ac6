package auth

import (
	"context"
	"strings"
)

type identityContextKey struct{}

// ContextWithIdentity stores the authenticated identity id in the context.
func ContextWithIdentity(ctx context.Context, identityID string) context.Context {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identityID)
}

// IdentityFromContext extracts the authenticated identity id from context.
func IdentityFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(identityContextKey{}).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
