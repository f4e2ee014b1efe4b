package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// RecoveryMiddleware turns handler panics into a logged 500.
//
// A panic with http.ErrAbortHandler is re-raised untouched: handlers use it to tear down
// a connection whose streamed body can no longer be completed (a failed export after
// the first byte), and net/http then closes the connection without logging a stack.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}

			slog.Error("panic in HTTP handler",
				"panic", r,
				"method", c.Request.Method,
				"path", c.FullPath(),
				"request_id", GetRequestID(c),
				"stack", string(debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}()

		c.Next()
	}
}
