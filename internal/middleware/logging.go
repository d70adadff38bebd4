package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
)

// Logger middleware logs each request and records its latency. Metrics are
// labelled by route template so ids do not explode cardinality.
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), latency.Seconds())
		logger.LogHTTPRequest(c.Request.Method, c.Request.URL.Path, c.ClientIP(), status, latency)
	}
}
