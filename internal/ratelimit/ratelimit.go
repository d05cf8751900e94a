// Package ratelimit throttles API callers with one token bucket per caller.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txguard/internal/metrics"
)

// Config sizes every bucket.
type Config struct {
	PerMinute int           // sustained refill rate
	Burst     int           // bucket capacity
	IdleTTL   time.Duration // buckets untouched this long are dropped
}

// DefaultConfig suits a card processor calling from a handful of hosts.
func DefaultConfig() Config {
	return Config{PerMinute: 600, Burst: 50, IdleTTL: 2 * time.Minute}
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per key. Stop releases its sweeper.
type Limiter struct {
	cfg  Config
	rate float64 // tokens per second
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a limiter and its idle-bucket sweeper.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		rate:    float64(cfg.PerMinute) / 60,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Take spends one token from key's bucket. A new key starts full.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	if l.rate <= 0 {
		return Decision{RetryAfter: time.Minute}
	}
	return Decision{RetryAfter: time.Duration((1 - b.tokens) / l.rate * float64(time.Second))}
}

// KeyFunc names the bucket a request draws from.
type KeyFunc func(c *gin.Context) string

// ByCaller keys on the basic auth user, falling back to the client IP.
func ByCaller(c *gin.Context) string {
	if user, _, ok := c.Request.BasicAuth(); ok && user != "" {
		return "user:" + user
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429 and Retry-After.
// Every response carries X-RateLimit-Limit and X-RateLimit-Remaining.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.Burst)
	return func(c *gin.Context) {
		d := l.Take(key(c))
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retryAfter := max(1, int(math.Ceil(d.RetryAfter.Seconds())))
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
