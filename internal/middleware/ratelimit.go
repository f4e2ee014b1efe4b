// ratelimit.go provides Gin middleware that charges each request against a fixed-window
// budget and answers 429 once the budget of the current window is used up.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/ratelimit"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

// RateLimitMiddleware charges one hit of limitType per request.
//
// Allowed responses carry X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
// (unix seconds). Rejections return 429 with Retry-After. When the limiter itself fails
// (redis unreachable) the request is let through and the failure logged.
func RateLimitMiddleware(limiter ratelimit.Limiter, limitType ratelimit.LimitType) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		entry, err := limiter.Hit(c.Request.Context(), limitType, key)
		if err != nil {
			var rlErr *ratelimit.RateLimitError
			if !errors.As(err, &rlErr) {
				slog.Warn("rate limiter unavailable, allowing request",
					"limit_type", limitType, "key", key, "error", err)
				c.Next()
				return
			}

			telemetry.RateLimitRejectionsTotal.WithLabelValues(string(limitType)).Inc()
			setRateLimitHeaders(c, limiter, limitType, entry)
			retry := rlErr.RetryAfterSeconds()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		setRateLimitHeaders(c, limiter, limitType, entry)
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, limiter ratelimit.Limiter, limitType ratelimit.LimitType, entry ratelimit.Entry) {
	rule, ok := limiter.Rule(limitType)
	if !ok {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(entry.Remaining(rule)))
	if !entry.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(entry.ResetAt.Unix(), 10))
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: user_id > api_key_id > IP address
func getRateLimitKey(c *gin.Context) string {
	if id := c.GetString(UserIDKey); id != "" {
		return "user:" + id
	}
	if id := c.GetString(APIKeyIDKey); id != "" {
		return "apikey:" + id
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
