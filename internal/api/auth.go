package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ernie/pong-live/internal/auth"
)

type identityKey struct{}

// requireAuth is middleware that validates the bearer token before calling
// the handler and stores the caller's identity on the request context
func (r *Router) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		claims := r.getAuthClaims(req)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(req.Context(), identityKey{}, claims.Identity())
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// getAuthClaims extracts and validates the JWT from the Authorization header
func (r *Router) getAuthClaims(req *http.Request) *auth.Claims {
	authHeader := req.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}

	claims, err := r.auth.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		r.logger.Debug("rejected bearer token", "remote_addr", req.RemoteAddr, "error", err)
		return nil
	}
	return claims
}

// identityFrom returns the identity stored by requireAuth
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}
