// Package middleware provides request-scoped context helpers shared
// between the HTTP front door and the core. It lives in pkg/ rather than
// internal/ so an operator-facing CLI or admin tool can depend on the same
// accessors without reaching into internal packages.
package middleware

import (
	"context"

	"github.com/agentoven/sandboxctl/pkg/contracts"
)

type contextKey string

const (
	identityKey  contextKey = "identity"
	userIDKey    contextKey = "userID"
	requestIDKey contextKey = "requestID"
)

// SetIdentity stores the authenticated Identity in the context. Called by
// the auth middleware after the auth chain succeeds.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context, or
// nil for an unauthenticated request.
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}

// SetUserID stores the resolved caller's user_id in the context. This is
// the only identity fact the core ever consumes.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts the caller's user_id from the context. Returns "" if
// none was set.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// SetRequestID stores a per-request correlation id in the context.
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID extracts the per-request correlation id from the context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
