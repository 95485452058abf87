// Package contracts — authentication interfaces for the pluggable auth
// layer that sits in front of the core.
//
// The core never sees a credential: it consumes an already-resolved
// user_id and request_id (see pkg/middleware). Everything in this file
// describes how that resolution happens, so the HTTP front door can be
// extended with new providers without touching the core.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated caller. Produced by an
// AuthProvider, consumed only by the auth middleware that
// extracts a user_id for the core — handlers never see an Identity
// directly.
type Identity struct {
	// Subject is the unique identifier (user ID, API key hash).
	Subject string `json:"subject"`

	// Email is the user's email address, when known.
	Email string `json:"email,omitempty"`

	// DisplayName is a human-readable name.
	DisplayName string `json:"displayName,omitempty"`

	// Provider identifies which auth provider authenticated this identity.
	// Values: "apikey", and any provider an operator layers in front.
	Provider string `json:"provider"`

	// UserID is the resolved core User.id this identity maps to.
	UserID string `json:"userId"`

	// ExpiresAt is when this identity's session expires.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "apikey").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns an
// Identity, so multiple authentication strategies can be layered in front
// of the same core without it knowing which one fired.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order.
	// Returns the first successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	// Providers are tried in registration order.
	RegisterProvider(provider AuthProvider)
}
