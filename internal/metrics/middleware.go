package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware instruments HTTP requests. The route template from
// FullPath keeps the path label bounded; unmatched routes collapse
// into a single bucket.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := float64(time.Since(start).Milliseconds())
		statusCode := strconv.Itoa(c.Writer.Status())

		RecordAPIRequest(c.Request.Method, path, statusCode, duration)
	}
}
