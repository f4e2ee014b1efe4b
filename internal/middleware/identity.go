// Package middleware provides the Gin HTTP middleware of the ledger API.
//
// Ordering is enforced in router.go:
//
//	RequestID → Logger → Metrics → Recovery → SecurityHeaders → Identity → RateLimit → Handler
//
// Recovery sits inside the logger and metrics so a recovered panic is still logged and
// counted with its final status. Identity runs before rate limiting so budgets are keyed by
// user or API key rather than by IP wherever a token is present.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/auth"
)

// Context keys set by IdentityMiddleware
const (
	IdentityKey = "identity"
	UserIDKey   = "user_id"
	APIKeyIDKey = "api_key_id"
	OrgIDKey    = "organization_id"
)

// TokenVerifier verifies a bearer token and returns its claims
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// IdentityMiddleware requires a valid Bearer identity token and stores the caller's
// auth.Identity in the context. Missing or invalid tokens are rejected with 401. An
// identity already stored by OptionalIdentityMiddleware is accepted as is.
func IdentityMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); ok {
			c.Next()
			return
		}

		token, msg := bearerToken(c.GetHeader("Authorization"))
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		setIdentity(c, claims.Identity())
		c.Next()
	}
}

// OptionalIdentityMiddleware stores the identity when a valid token is present and
// otherwise continues anonymously
func OptionalIdentityMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, msg := bearerToken(c.GetHeader("Authorization")); msg == "" {
			if claims, err := verifier.Verify(token); err == nil {
				setIdentity(c, claims.Identity())
			}
		}
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. A non-empty message
// describes why the header is unusable.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

func setIdentity(c *gin.Context, id auth.Identity) {
	c.Set(IdentityKey, id)
	c.Set(OrgIDKey, id.OrgID)
	if id.UserID != "" {
		c.Set(UserIDKey, id.UserID)
	}
	if id.APIKeyID != "" {
		c.Set(APIKeyIDKey, id.APIKeyID)
	}
}

// GetIdentity returns the identity stored by IdentityMiddleware
func GetIdentity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
