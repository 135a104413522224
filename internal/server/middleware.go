package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"payment-form-service/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags the request context with a requestId and logs one line
// per request once the response is written.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeader, requestID)

		ctx := logging.AppendCtx(c.Request.Context(), slog.String("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "Handled request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"requestBytes", c.Request.ContentLength,
			"responseBytes", c.Writer.Size(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	}
}
