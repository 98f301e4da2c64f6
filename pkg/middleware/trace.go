package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/metrics"
)

const traceIDHeader = "X-Trace-ID"
const requestIDHeader = "X-Request-ID"

// TraceMiddleware adds trace ID and request ID to context
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(traceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		requestID := uuid.NewString()

		c.Set("trace_id", traceID)
		c.Set("request_id", requestID)

		c.Header(traceIDHeader, traceID)
		c.Header(requestIDHeader, requestID)

		c.Next()
	}
}

// RequestMetrics records every request by route template
func RequestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
