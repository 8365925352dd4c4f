package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/cors"

	"github.com/noah-isme/roastery-cart/internal/common"
	"github.com/noah-isme/roastery-cart/internal/session"
)

// CORSOptions builds the cross-origin policy for the storefront. An empty
// list or "*" allows any origin without credentials.
func CORSOptions(origins []string) cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", common.IdempotencyHeader, session.HeaderName},
		ExposedHeaders: []string{"X-Request-ID", session.HeaderName},
		MaxAge:         300,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		opts.AllowedOrigins = []string{"*"}
		return opts
	}
	opts.AllowedOrigins = origins
	opts.AllowCredentials = true
	return opts
}

// OriginGuard rejects state-changing browser requests from origins outside
// the allowlist. The cart session rides on a cookie, so a foreign page could
// otherwise mutate a visitor's cart. Requests without an Origin header pass.
type OriginGuard struct {
	Allowed []string
}

// Middleware implements chi middleware.
func (g OriginGuard) Middleware(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(g.Allowed))
	for _, origin := range g.Allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	if _, wildcard := allowed["*"]; wildcard || len(allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := allowed[origin]; !ok {
			common.JSONError(w, http.StatusForbidden, "ORIGIN_FORBIDDEN", "origin not allowed", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
