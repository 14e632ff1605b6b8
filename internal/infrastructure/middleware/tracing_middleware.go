package middleware

import (
	"errors"
	"net/http"

	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// TracingMiddleware opens a span per request, named after the matched route
// so that /api/v1/rooms/:id does not fan out into one span name per room.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		if id := c.Param("id"); id != "" {
			tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(id))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status < http.StatusInternalServerError {
			return
		}
		if last := c.Errors.Last(); last != nil {
			tracing.RecordError(ctx, last.Err)
		} else {
			tracing.RecordError(ctx, errors.New(http.StatusText(status)))
		}
	}
}
