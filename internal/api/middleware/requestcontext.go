package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	pkgmw "github.com/agentoven/sandboxctl/pkg/middleware"
)

// RequestContext stamps the chi request ID onto the context under
// pkg/middleware's key, so Logger can read it via
// pkgmw.GetRequestID without importing chi's middleware package directly,
// and any other package depending on pkg/middleware sees the same id.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := pkgmw.SetRequestID(r.Context(), chimw.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
