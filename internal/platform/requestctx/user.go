// Package requestctx carries per-request caller facts through contexts.
package requestctx

import "context"

type playerIDContextKey struct{}

type sourceIPContextKey struct{}

// WithPlayerID stores the authenticated player identifier in context.
func WithPlayerID(ctx context.Context, playerID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, playerIDContextKey{}, playerID)
}

// PlayerIDFromContext returns the player identifier stored in context.
func PlayerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(playerIDContextKey{}).(string)
	return value
}

// WithSourceIP stores the caller's network address in context.
func WithSourceIP(ctx context.Context, sourceIP string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sourceIPContextKey{}, sourceIP)
}

// SourceIPFromContext returns the caller address stored in context.
func SourceIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(sourceIPContextKey{}).(string)
	return value
}
