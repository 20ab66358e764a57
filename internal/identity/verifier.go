// Package identity resolves connection credential tokens to users.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
)

// UserGetter loads users from the identity store.
type UserGetter interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Verifier validates HS256 access tokens and resolves their subject to a stored user.
type Verifier struct {
	users  UserGetter
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. An empty issuer disables the iss check.
func NewVerifier(users UserGetter, secret []byte, issuer string) *Verifier {
	return &Verifier{users: users, secret: secret, issuer: issuer}
}

// Verify parses token and returns the user it was issued for.
// Every failure wraps apperr.ErrUnauthenticated.
func (v *Verifier) Verify(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", apperr.ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", apperr.ErrUnauthenticated)
	}

	u, err := v.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user", apperr.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: resolve user: %v", apperr.ErrUnauthenticated, err)
	}
	return u, nil
}
