package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idrisalani/school-management-system-sub002/internal/audit"
	"github.com/idrisalani/school-management-system-sub002/internal/config"
	"github.com/idrisalani/school-management-system-sub002/internal/db/models"
)

func newTestLimiter(t *testing.T, perMinute, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(rl.Stop)
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

// ---------------------------------------------------------------------------
// RateLimitConfigFrom
// ---------------------------------------------------------------------------

func TestRateLimitConfigFrom(t *testing.T) {
	got := RateLimitConfigFrom(config.RateLimitingConfig{RequestsPerMinute: 60, Burst: 5})
	assert.Equal(t, 60, got.RequestsPerMinute)
	assert.Equal(t, 5, got.BurstSize)

	def := RateLimitConfigFrom(config.RateLimitingConfig{})
	assert.Equal(t, DefaultRateLimitConfig(), def)
}

// ---------------------------------------------------------------------------
// Allow
// ---------------------------------------------------------------------------

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("ip:1")
		require.True(t, ok, "request %d within burst", i+1)
	}
	ok, remaining := rl.Allow("ip:1")
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _ = rl.Allow("ip:2")
	assert.True(t, ok, "other clients have their own bucket")
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 1)

	ok, _ := rl.Allow("k")
	require.True(t, ok)
	ok, _ = rl.Allow("k")
	require.False(t, ok)

	*now = now.Add(time.Second)
	ok, _ = rl.Allow("k")
	assert.True(t, ok, "one token per second at 60 rpm")
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	rl.Stop()
	rl.Stop()
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func TestRateLimitMiddleware_RejectsAndEmits(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	sink := newEventSink()

	r := gin.New()
	r.Use(RateLimitMiddleware(rl, sink.emitter()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))

	w = serve(r, http.MethodGet, "/")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	ev := sink.waitForEvent(t)
	assert.Equal(t, audit.ActionRateLimitExceeded, ev.Action)
	assert.Equal(t, audit.AnonymousUserID, ev.NormalizedUserID())
	assert.Equal(t, "ip:192.0.2.1", ev.Metadata["limitKey"])
}

// slowStore takes delay per insert and counts them
type slowStore struct {
	delay   time.Duration
	inserts atomic.Int32
}

func (s *slowStore) CreateAuditLog(_ context.Context, e *models.AuditEvent) (*models.AuditEntry, error) {
	time.Sleep(s.delay)
	s.inserts.Add(1)
	return &models.AuditEntry{ID: "1", UserID: e.NormalizedUserID(), Action: e.Action}, nil
}

func TestRateLimitMiddleware_RejectionsDoNotWaitOnStore(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	store := &slowStore{delay: 200 * time.Millisecond}

	r := gin.New()
	r.Use(RateLimitMiddleware(rl, audit.NewEmitter(audit.NewWriter(store, nil))))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/").Code)

	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/").Code)
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond, "429s must not wait on the audit store")

	assert.Eventually(t, func() bool { return store.inserts.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), store.inserts.Load(), "one event per key per window")
}

func TestRateLimiter_ShouldReportOncePerWindow(t *testing.T) {
	rl, now := newTestLimiter(t, 60, 1)
	rl.Allow("k")
	rl.Allow("k")

	report, suppressed := rl.shouldReport("k")
	assert.True(t, report)
	assert.Equal(t, 0, suppressed)

	for i := 0; i < 3; i++ {
		report, _ = rl.shouldReport("k")
		assert.False(t, report)
	}

	*now = now.Add(rejectionReportWindow)
	report, suppressed = rl.shouldReport("k")
	assert.True(t, report)
	assert.Equal(t, 3, suppressed)

	report, _ = rl.shouldReport("unknown")
	assert.False(t, report, "keys the limiter never saw are not reported")
}

func TestRateLimitKey_PrefersUser(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	assert.Equal(t, "ip:192.0.2.1", rateLimitKey(c))
	c.Set(UserIDKey, "42")
	assert.Equal(t, "user:42", rateLimitKey(c))
}
