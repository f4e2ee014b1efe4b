package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/telemetry"
)

// noRoutePath labels requests that matched no route
const noRoutePath = "<no-route>"

// MetricsMiddleware records request count, latency, response size and in-flight requests.
//
// The path label is the matched route template from c.FullPath(), never the raw URL, so
// archive ids cannot inflate label cardinality. A handler that tears the connection down
// with http.ErrAbortHandler is recorded with status "aborted" and the panic is re-raised.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		telemetry.HTTPRequestsInFlight.Inc()

		defer func() {
			telemetry.HTTPRequestsInFlight.Dec()

			r := recover()
			status := strconv.Itoa(c.Writer.Status())
			if r != nil {
				if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					status = "aborted"
				}
			}
			observeRequest(c, status, time.Since(start))

			if r != nil {
				panic(r)
			}
		}()

		c.Next()
	}
}

func observeRequest(c *gin.Context, status string, elapsed time.Duration) {
	path := c.FullPath()
	if path == "" {
		path = noRoutePath
	}
	method := c.Request.Method

	telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
	if size := c.Writer.Size(); size > 0 {
		telemetry.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
	}
}
