package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/correlation"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/metrics"
)

// Middleware rejects requests over the per-client rate with 429
type Middleware struct {
	limiter *Limiter
	logger  *logrus.Logger
	exempt  []string
}

// NewMiddleware wraps limiter for HTTP. Paths in exempt, or under them, are
// never limited.
func NewMiddleware(logger *logrus.Logger, limiter *Limiter, exempt []string) *Middleware {
	return &Middleware{limiter: limiter, logger: logger, exempt: exempt}
}

func (m *Middleware) isExempt(path string) bool {
	for _, p := range m.exempt {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// Handler returns next guarded by the limiter
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := correlation.ClientIPFromContext(r.Context())
		if key == "" {
			key = correlation.ClientIP(r)
		}
		if m.limiter.Allow(key) {
			next.ServeHTTP(w, r)
			return
		}

		metrics.RecordRateLimited(routeLabel(r.URL.Path))
		correlation.Logger(r.Context(), m.logger).WithField("path", r.URL.Path).Warn("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(m.limiter.RetryAfter(key))))
		errors.WriteError(w, errors.Wrap(errors.ErrRateLimited, "too many requests").WithCode("RATE_LIMITED"))
	})
}

// routeLabel keeps only the first path segment so call ids never become
// metric labels
func routeLabel(path string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return "/" + first
}
