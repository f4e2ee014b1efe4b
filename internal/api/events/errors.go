package events

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/middleware"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/ratelimit"
)

// respondError maps a ledger error onto the {"error": ...} envelope. Store and other
// unexpected errors are logged with the request id and reported without detail.
func respondError(c *gin.Context, err error) {
	var (
		validationErr *query.ValidationError
		authzErr      *query.AuthorizationError
		rateErr       *ratelimit.RateLimitError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &authzErr):
		c.JSON(http.StatusForbidden, gin.H{"error": authzErr.Error()})
	case errors.As(err, &rateErr):
		retry := rateErr.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded", "retry_after": retry})
	default:
		slog.Error("request failed",
			"request_id", middleware.GetRequestID(c),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// requireIdentity returns the caller or writes a 401
func requireIdentity(c *gin.Context) (auth.Identity, bool) {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return id, false
	}
	return id, true
}
