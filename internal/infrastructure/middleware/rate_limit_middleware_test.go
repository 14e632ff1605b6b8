package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"huddle/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/api/v1/rooms", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func get(router http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000").Code)
	}
}

func TestHTTPRateLimitMiddleware_PerClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0.5
	cfg.RateLimiting.HTTP.Burst = 1
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000").Code)

	w := get(router, "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:5000").Code)
}

func TestLimiterStore_PrunesIdleClients(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newLimiterStore(rate.Limit(1), 1)
	s.now = func() time.Time { return now }

	s.allow("a")
	s.allow("b")
	assert.Equal(t, 2, s.size())

	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, s.allow("b"))
	assert.Equal(t, 1, s.size())
}
