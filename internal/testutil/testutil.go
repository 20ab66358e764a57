// Package testutil provides shared test helpers for setting up stores, users
// and access tokens.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/starford/scoreroom/internal/identity"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/store/sqlite"
)

// Secret signs every token minted by Token.
var Secret = []byte("scoreroom-test-secret")

// Issuer is the iss claim of tokens minted by Token.
const Issuer = "scoreroom-test"

// TestDB creates a temporary SQLite store that is automatically cleaned up.
func TestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "scoreroom-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := sqlite.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedUsers stores users by id, using the id as display name.
func SeedUsers(t *testing.T, db *sqlite.DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := db.PutUser(context.Background(), &models.User{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
}

// SeedComposition stores c.
func SeedComposition(t *testing.T, db *sqlite.DB, c *models.Composition) {
	t.Helper()
	if err := db.CreateComposition(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

// Verifier returns a token verifier that accepts tokens minted by Token.
func Verifier(db *sqlite.DB) *identity.Verifier {
	return identity.NewVerifier(db, Secret, Issuer)
}

// Token mints a one-hour access token for userID.
func Token(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	s, err := tok.SignedString(Secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
