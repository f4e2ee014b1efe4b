// dev.go implements the development-only endpoints for minting identity tokens without an
// external identity provider.
package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/auth"
)

// TokenIssuer signs identity tokens
type TokenIssuer interface {
	Issue(id auth.Identity) (string, time.Time, error)
}

// DevHandlers handles development-only endpoints
type DevHandlers struct {
	issuer  TokenIssuer
	devMode bool
}

// NewDevHandlers creates a new DevHandlers instance
func NewDevHandlers(issuer TokenIssuer, devMode bool) *DevHandlers {
	return &DevHandlers{issuer: issuer, devMode: devMode}
}

// DevModeMiddleware blocks access to dev endpoints unless auth.dev_mode is set
func DevModeMiddleware(devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !devMode {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Development endpoints are disabled in production",
			})
			return
		}
		c.Next()
	}
}

// TokenRequest is the identity a dev token is minted for
type TokenRequest struct {
	OrgID    string `json:"orgId" binding:"required,max=255"`
	UserID   string `json:"userId" binding:"required,max=255"`
	Role     string `json:"role" binding:"required,oneof=admin user"`
	Email    string `json:"email" binding:"omitempty,email"`
	APIKeyID string `json:"apiKeyId" binding:"omitempty,max=255"`
}

// IssueTokenHandler mints a signed identity token for any identity the caller names.
// POST /api/v1/auth/token
// Protected by DevModeMiddleware - returns 403 in production.
func (h *DevHandlers) IssueTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}

		id := auth.Identity{
			OrgID:    req.OrgID,
			UserID:   req.UserID,
			Role:     req.Role,
			Email:    req.Email,
			APIKeyID: req.APIKeyID,
		}
		token, expiresAt, err := h.issuer.Issue(id)
		if err != nil {
			slog.Error("failed to issue dev token", "org_id", id.OrgID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		slog.Warn("issued development identity token", "org_id", id.OrgID, "user_id", id.UserID, "role", id.Role)
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
			"expires_in": int(time.Until(expiresAt).Seconds()),
			"identity":   id,
		})
	}
}

// DevStatusHandler returns dev mode status
// GET /api/v1/dev/status
func (h *DevHandlers) DevStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"dev_mode": h.devMode,
			"message":  "Development mode is enabled",
		})
	}
}
