package auth

import "context"

type contextKey struct{}

// ContextWithClaims attaches validated claims to the request context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext extracts the claims set by the auth middleware, or
// nil when the request was not authenticated (open mode).
func ClaimsFromContext(ctx context.Context) *Claims {
	if v, ok := ctx.Value(contextKey{}).(*Claims); ok {
		return v
	}
	return nil
}
