package gateway

import (
	"time"

	"github.com/gin-gonic/gin"

	"streamgate/pkg/logx"
	"streamgate/pkg/streaming"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestIDMiddleware assigns every request an id, reusing the caller's
// X-Request-ID when present, and stores it on the request context for logging.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = streaming.NewRequestID()
		}

		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logx.WithRequestID(c.Request.Context(), requestID))

		c.Next()
	}
}

// LoggingMiddleware logs each request's completion with its status and latency.
func LoggingMiddleware(logger *logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.InfoCtx(c.Request.Context(), "%s %s -> %d in %dms",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
