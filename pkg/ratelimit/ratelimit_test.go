package ratelimit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(rps float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewLimiter(quietLogger(), rps, burst, time.Minute)
	l.now = clock.Now
	return l, clock
}

func TestAllowWithinBurst(t *testing.T) {
	l, _ := newClockedLimiter(10, 5)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "keys are independent")
}

func TestTokensRefill(t *testing.T) {
	l, clock := newClockedLimiter(10, 2)
	require.True(t, l.Allow("k"))
	require.True(t, l.Allow("k"))
	require.False(t, l.Allow("k"))

	assert.InDelta(t, float64(100*time.Millisecond), float64(l.RetryAfter("k")), float64(time.Millisecond))
	clock.Advance(100 * time.Millisecond)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestCleanupDropsIdleClients(t *testing.T) {
	l, clock := newClockedLimiter(1, 1)
	l.Allow("old")
	clock.Advance(45 * time.Second)
	l.Allow("recent")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Clients())
	assert.True(t, l.Allow("old"), "a dropped client starts with a full bucket")
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 3, retryAfterSeconds(2100*time.Millisecond))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/calls", routeLabel("/calls/CA123"))
	assert.Equal(t, "/media-stream", routeLabel("/media-stream"))
	assert.Equal(t, "/", routeLabel("/"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l, _ := newClockedLimiter(1, 1)
	mw := NewMiddleware(quietLogger(), l, []string{"/health", "/metrics"})
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.7:5060"
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("/calls/CA1").Code)
	rec := do("/calls/CA1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do("/health").Code)
		assert.Equal(t, http.StatusOK, do("/health/ready").Code)
		assert.Equal(t, http.StatusOK, do("/metrics").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do("/healthz").Code)
}
