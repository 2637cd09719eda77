package auth

import "context"

type claimContextKey struct{}
type tokenContextKey struct{}

// ContextWithClaim attaches the authenticated session claim to the context.
// The claim is always passed explicitly through the request context, never
// read from ambient state.
func ContextWithClaim(ctx context.Context, claim Claim) context.Context {
	return context.WithValue(ctx, claimContextKey{}, &claim)
}

// ClaimFromContext extracts the session claim from the context.
func ClaimFromContext(ctx context.Context) (Claim, bool) {
	if ctx == nil {
		return Claim{}, false
	}
	v, ok := ctx.Value(claimContextKey{}).(*Claim)
	if !ok || v == nil {
		return Claim{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw session token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the session token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
