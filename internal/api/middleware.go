// Package api implements the scoreroom REST API using chi.
package api

import (
	"context"
	"net/http"

	"github.com/starford/scoreroom/internal/identity"
	"github.com/starford/scoreroom/internal/models"
)

// Verifier resolves a Bearer token to a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.User, error)
}

type ctxKey struct{}

// UserFromContext returns the user stored by AuthMiddleware.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*models.User)
	return u, ok
}

// AuthMiddleware returns middleware that requires a valid access token, sent
// as "Authorization: Bearer <token>" or a "token" query parameter.
func AuthMiddleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := v.Verify(r.Context(), identity.TokenFromRequest(r))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
		})
	}
}
