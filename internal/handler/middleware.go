package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/plateful/chat/internal/log"
)

// RequestLogger tags each request with an id, attaches a request-scoped
// logger to the context and emits one access line on completion.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		l := log.L().With().Str(log.FieldRequestID, requestID).Logger()
		c.Request = c.Request.WithContext(log.WithLogger(c.Request.Context(), l))

		c.Next()

		l.Info().
			Str(log.FieldMethod, c.Request.Method).
			Str(log.FieldPath, c.Request.URL.Path).
			Int(log.FieldStatus, c.Writer.Status()).
			Int64(log.FieldLatency, time.Since(start).Milliseconds()).
			Str(log.FieldClientIP, c.ClientIP()).
			Msg("request")
	}
}
