// Package authn implements the control plane's concrete AuthProvider
// chain: the core never imports this package, only the HTTP front door,
// which resolves a caller's user_id before the core ever runs.
package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
)

// APIKeyProvider resolves a bearer token to a user_id by looking up the
// SHA-256 hash of the presented key against ApiKey.token_hash.
type APIKeyProvider struct {
	store store.Store
}

// NewAPIKeyProvider returns a provider backed by s.
func NewAPIKeyProvider(s store.Store) *APIKeyProvider {
	return &APIKeyProvider{store: s}
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool { return true }

// Authenticate looks up the presented key's hash. Returns (nil, nil) when
// no key is present on the request, so the chain can try the next
// provider; returns an error when a key is present but invalid or revoked.
func (p *APIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	raw := extractAPIKey(r)
	if raw == "" {
		return nil, nil
	}

	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])

	key, err := p.store.GetApiKeyByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("authn: invalid API key")
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.TokenHash)) != 1 {
		return nil, fmt.Errorf("authn: invalid API key")
	}
	if key.RevokedAt != nil {
		return nil, fmt.Errorf("authn: API key revoked")
	}

	return &contracts.Identity{
		Subject:   "apikey:" + hash[:16],
		Provider:  "apikey",
		UserID:    key.UserID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
