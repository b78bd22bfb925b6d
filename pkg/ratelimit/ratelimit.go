package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"voicecall-engine/pkg/config"
)

// Limiter keeps one token bucket per client key
type Limiter struct {
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
	logger  *logrus.Logger

	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing rps sustained requests per key with
// the given burst
func NewLimiter(logger *logrus.Logger, rps float64, burst int, idleTTL time.Duration) *Limiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Limiter{
		rate:    rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		logger:  logger,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// NewLimiterFromConfig builds a limiter from the HTTP rate limit settings
func NewLimiterFromConfig(logger *logrus.Logger, cfg config.RateLimitConfig) *Limiter {
	return NewLimiter(logger, cfg.RequestsPerSecond, cfg.Burst, cfg.IdleTTL)
}

func (l *Limiter) get(key string) *client {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = l.now()
	return c
}

// Allow reports whether key may make a request now
func (l *Limiter) Allow(key string) bool {
	return l.get(key).limiter.AllowN(l.now(), 1)
}

// RetryAfter estimates how long key must wait for its next token
func (l *Limiter) RetryAfter(key string) time.Duration {
	c := l.get(key)
	now := l.now()
	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// retryAfterSeconds rounds a delay up to whole seconds, minimum one
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Cleanup drops clients idle longer than the TTL and returns how many went
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked keys
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Run sweeps idle clients until ctx is done
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.WithField("removed", n).Debug("Dropped idle rate limit clients")
			}
		}
	}
}
