// Package identity verifies the opaque bearer token a client presents in
// its client.hello frame and resolves it to a user identity, the way the
// teacher project's user.ValidateToken resolves a JWT into Claims.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned for any token that does not verify.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the resolved caller.
type Identity struct {
	UserID    string
	Email     string
	Anonymous bool
	AuthTime  time.Time
}

// mockTokens bypass verification in development; each maps to a distinct
// synthetic identity so tests can distinguish callers.
var mockTokens = map[string]string{
	"mock":                    "dev-user",
	"mock_token_for_testing":  "dev-user",
	"test_token":              "dev-test-user",
	"dev_token":               "dev-user",
}

// Claims mirrors the teacher project's JWT claims shape.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier verifies bearer tokens into an Identity.
type Verifier struct {
	jwtSecret       string
	allowMockTokens bool
	warn            func(event string, data map[string]any)
}

// NewVerifier builds a Verifier. allowMockTokens gates the dev-mode mock
// token bypass; it must never be set in production.
func NewVerifier(jwtSecret string, allowMockTokens bool, warn func(event string, data map[string]any)) *Verifier {
	if warn == nil {
		warn = func(string, map[string]any) {}
	}
	return &Verifier{jwtSecret: jwtSecret, allowMockTokens: allowMockTokens, warn: warn}
}

// Verify resolves token to an Identity, or fails with ErrInvalidCredential.
func (v *Verifier) Verify(token string) (Identity, error) {
	if v.allowMockTokens {
		if userID, ok := mockTokens[token]; ok {
			v.warn("identity.mock_token_accepted", map[string]any{"user_id": userID})
			return Identity{UserID: userID, Anonymous: true, AuthTime: time.Now()}, nil
		}
	}

	if token == "" || v.jwtSecret == "" {
		return Identity{}, ErrInvalidCredential
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(v.jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{
		UserID:   claims.UserID,
		Email:    claims.Email,
		AuthTime: time.Now(),
	}, nil
}
