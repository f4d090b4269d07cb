package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// ClientTTL is how long an idle client's limiter is kept.
	ClientTTL time.Duration
}

// DefaultRateLimitConfig returns the default per-client limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		ClientTTL:         10 * time.Minute,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps one limiter per client key and drops stale ones.
type limiterSet struct {
	cfg RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = DefaultRateLimitConfig().ClientTTL
	}
	return &limiterSet{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (s *limiterSet) allow(key string) bool {
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.lastSweep) > s.cfg.ClientTTL {
		for k, c := range s.clients {
			if now.Sub(c.lastSeen) > s.cfg.ClientTTL {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	c, ok := s.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)}
		s.clients[key] = c
	}
	c.lastSeen = now
	limiter := c.limiter
	s.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RateLimit creates a per-IP rate limiting middleware.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	set := newLimiterSet(cfg)
	return func(c *gin.Context) {
		if !set.allow(c.ClientIP()) {
			tooMany(c)
			return
		}
		c.Next()
	}
}

// GlobalRateLimit creates a global rate limiting middleware.
func GlobalRateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			tooMany(c)
			return
		}
		c.Next()
	}
}

func tooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "rate limit exceeded",
	})
}
