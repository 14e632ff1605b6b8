package middleware

import (
	"time"

	"huddle/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware tags each request with an id, echoed in the
// response, and logs one line when it completes.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		ctx := logger.WithRequestID(c.Request.Context(), id)
		if room := c.Param("id"); room != "" {
			ctx = logger.WithRoom(ctx, room)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(ctx, c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
		for _, e := range c.Errors {
			cl.LogError(ctx, e.Err, "request error")
		}
	}
}
