// ratelimit.go provides Gin middleware that enforces per-client token-bucket rate limits,
// returning 429 responses when the configured requests-per-minute threshold is exceeded.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/config"
	"github.com/idrisalani/school-management-system-sub002/internal/safego"
)

// rejectionReportWindow bounds RATE_LIMIT_EXCEEDED events to one per key per window
const rejectionReportWindow = time.Minute

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the limits used for the admin API
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimitConfigFrom converts the configuration section, keeping defaults for unset values
func RateLimitConfigFrom(cfg config.RateLimitingConfig) RateLimitConfig {
	rl := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.Burst > 0 {
		rl.BurstSize = cfg.Burst
	}
	return rl
}

type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
	// lastReported is when a rejection for this key was last recorded
	lastReported time.Time
	rejected     int
}

// RateLimiter implements a token bucket rate limiter
type RateLimiter struct {
	config   RateLimitConfig
	entries  map[string]*rateLimitEntry
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter and starts its cleanup goroutine
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// refill tops the bucket up for the time elapsed since its last update. Caller holds mu.
func (rl *RateLimiter) refill(entry *rateLimitEntry, now time.Time) {
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+now.Sub(entry.lastUpdate).Seconds()*perSecond)
	entry.lastUpdate = now
}

// Allow consumes one token for key and reports whether the request may proceed,
// along with the whole tokens left.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize) - 1, lastUpdate: now}
		rl.entries[key] = entry
		return true, int(entry.tokens)
	}

	rl.refill(entry, now)
	if entry.tokens >= 1 {
		entry.tokens--
		return true, int(entry.tokens)
	}
	return false, 0
}

// shouldReport reports whether a rejection for key should be recorded, allowing one per
// key per minute. Rejections suppressed since the last report are returned as well.
func (rl *RateLimiter) shouldReport(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.entries[key]
	if !exists {
		return false, 0
	}
	entry.rejected++
	now := rl.now()
	if !entry.lastReported.IsZero() && now.Sub(entry.lastReported) < rejectionReportWindow {
		return false, 0
	}
	suppressed := entry.rejected - 1
	entry.lastReported = now
	entry.rejected = 0
	return true, suppressed
}

// RateLimitMiddleware rejects requests over the limit with 429. The first rejection of
// a key in each minute is recorded as RATE_LIMIT_EXCEEDED off the request path, so a
// flood costs at most one audit write per client per minute. emitter may be nil.
func RateLimitMiddleware(limiter *RateLimiter, emitter *audit.Emitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c)

		ok, remaining := limiter.Allow(key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			if emitter != nil {
				if report, suppressed := limiter.shouldReport(key); report {
					var uid interface{}
					if id := CurrentUserID(c); id != "" {
						uid = id
					}
					rc := RequestContext(c)
					extras := map[string]interface{}{"limitKey": key, "suppressedSinceLast": suppressed}
					safego.Go("audit-rate-limit", func() {
						ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
						defer cancel()
						emitter.LogAccess(ctx, rc, audit.ActionRateLimitExceeded, uid, "rate limit exceeded", extras)
					})
				}
			}
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}

		c.Next()
	}
}

// rateLimitKey prefers the authenticated user over the client IP
func rateLimitKey(c *gin.Context) string {
	if id := CurrentUserID(c); id != "" {
		return "user:" + id
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
