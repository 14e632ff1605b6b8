package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"huddle/pkg/config"
	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per client address.
type limiterStore struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (s *limiterStore) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) > limiterIdleTTL {
		for k, c := range s.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastPrune = now
	}

	c, ok := s.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// NewHTTPRateLimitMiddleware limits REST requests per client IP and,
// optionally, the number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	httpCfg := cfg.RateLimiting.HTTP
	store := newLimiterStore(rate.Limit(httpCfg.RequestsPerSecond), httpCfg.Burst)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / httpCfg.RequestsPerSecond)))

	var inFlight chan struct{}
	if httpCfg.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, httpCfg.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWith(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			abortWith(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

