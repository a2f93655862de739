package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/billingworks/billing-api/internal/service"
)

// Metrics records duration and count for every served request. Routes are
// labelled by their pattern, not the raw URL, so label cardinality stays
// bounded.
func Metrics(metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
