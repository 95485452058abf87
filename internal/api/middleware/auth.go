package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/pkg/contracts"
	pkgmw "github.com/agentoven/sandboxctl/pkg/middleware"
)

// AuthMiddleware authenticates every request but /healthz using the
// pluggable AuthProviderChain and stores the resolved user_id in context.
// Unlike the chain's own optional-identity behavior, this layer always
// requires a resolved identity — credentials are mandatory here per the
// HTTP surface's auth policy.
type AuthMiddleware struct {
	chain contracts.AuthProviderChain
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	return &AuthMiddleware{chain: chain}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			writeUnauthorized(w, "authentication_failed", err.Error())
			return
		}
		if identity == nil {
			writeUnauthorized(w, "authentication_required", "set Authorization: Bearer <key> or X-API-Key")
			return
		}

		ctx := pkgmw.SetIdentity(r.Context(), identity)
		ctx = pkgmw.SetUserID(ctx, identity.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sandboxctl"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// isAuthPublicPath returns true for paths that skip authentication.
func isAuthPublicPath(path string) bool {
	return path == "/healthz"
}
