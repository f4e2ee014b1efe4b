// Package auth - jwt.go verifies (and, in dev mode, issues) the HS256 identity tokens that carry
// the caller's org, user, role and email to the ledger.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the recommended minimum HMAC secret length
const MinSecretLength = 32

// ErrMissingSecret is returned outside dev mode when no signing secret is configured
var ErrMissingSecret = errors.New("SECURITY ERROR: auth.jwt_secret (LEDGER_AUTH_JWT_SECRET) is required in production. " +
	"Generate a secure secret with: openssl rand -hex 32")

// Claims represents the JWT claims structure
type Claims struct {
	OrgID    string `json:"org_id"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
	APIKeyID string `json:"api_key_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the caller identity. The user id is the subject.
func (c *Claims) Identity() Identity {
	return Identity{
		OrgID:    c.OrgID,
		UserID:   c.Subject,
		Role:     c.Role,
		Email:    c.Email,
		APIKeyID: c.APIKeyID,
	}
}

// TokenManager signs and verifies identity tokens with a shared secret
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenManager validates the secret and builds a TokenManager.
// In dev mode an empty secret is replaced by a random one and a warning is logged;
// tokens then do not survive a restart.
func NewTokenManager(secret, issuer string, ttl time.Duration, devMode bool) (*TokenManager, error) {
	if secret == "" {
		if !devMode {
			return nil, ErrMissingSecret
		}
		secret = generateRandomSecret()
		slog.Warn("auth.jwt_secret not set, using auto-generated secret for development; tokens will not persist across restarts")
	} else if len(secret) < MinSecretLength {
		slog.Warn("auth.jwt_secret is shorter than recommended", "min_length", MinSecretLength)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}

	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// Issue signs a token for the identity
func (m *TokenManager) Issue(id Identity) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.ttl)

	claims := &Claims{
		OrgID:    id.OrgID,
		Role:     id.Role,
		Email:    id.Email,
		APIKeyID: id.APIKeyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   id.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token and returns its claims
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.OrgID == "" {
		return nil, errors.New("token has no org_id claim")
	}

	return claims, nil
}
