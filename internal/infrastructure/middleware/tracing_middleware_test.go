package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	router := gin.New()
	router.Use(TracingMiddleware(), ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/api/v1/rooms/:id", func(c *gin.Context) {
		if c.Param("id") == "broken" {
			_ = c.Error(errors.New("redis down"))
			return
		}
		c.Status(http.StatusOK)
	})

	for _, path := range []string{"/api/v1/rooms/lobby", "/api/v1/rooms/broken"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := sr.Ended()
	require.Len(t, spans, 2)

	attrs := func(i int) map[string]string {
		m := map[string]string{}
		for _, kv := range spans[i].Attributes() {
			m[string(kv.Key)] = kv.Value.Emit()
		}
		return m
	}

	assert.Equal(t, "http.GET", spans[0].Name())
	assert.Equal(t, "/api/v1/rooms/:id", attrs(0)["http.route"])
	assert.Equal(t, "lobby", attrs(0)["room.id"])
	assert.Equal(t, "200", attrs(0)["http.status_code"])
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)

	assert.Equal(t, "500", attrs(1)["http.status_code"])
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "redis down", spans[1].Status().Description)
}
