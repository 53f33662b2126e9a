package server

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gin-gonic/gin"

	"dcss-portal/internal/logging"
)

const requestIDKey = "request_id"

// requestIDFrom returns the id set by requestIDMiddleware.
func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// generateRequestID creates a 16-byte random ID encoded as hex (32 chars).
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(b)
}

// requestIDMiddleware keeps a client-supplied X-Request-Id of sane length or
// generates one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if rid == "" || len(rid) > 64 {
			rid = generateRequestID()
		}
		c.Set(requestIDKey, rid)
		c.Header("X-Request-Id", rid)
		c.Next()
	}
}

// accessLogMiddleware logs one line per request and feeds the metrics.
func (s *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := map[string]any{
			"request_id":  requestIDFrom(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"bytes":       c.Writer.Size(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"ua":          c.Request.UserAgent(),
		}
		switch {
		case status >= 500:
			logging.Warn("http_request", fields)
		default:
			logging.Info("http_request", fields)
		}
		s.metrics.RecordRequest(status)
	}
}
