package correlation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMiddlewareGeneratesID(t *testing.T) {
	var seen ID
	h := Middleware(quietLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.False(t, seen.IsEmpty())
	assert.Equal(t, seen.String(), rec.Header().Get(HTTPHeader))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMiddlewareKeepsClientID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   ID
	}{
		{"correlation header", HTTPHeader, "abc-123", "abc-123"},
		{"request id header", HTTPRequestIDHeader, "req-9", "req-9"},
		{"twilio token", TwilioRequestHeader, "tw-1", "tw-1"},
		{"oversized value replaced", HTTPHeader, strings.Repeat("x", 200), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen ID
			h := Middleware(quietLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = FromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(tt.header, tt.value)
			h.ServeHTTP(httptest.NewRecorder(), req)

			if tt.want == "" {
				assert.NotEqual(t, ID(tt.value), seen)
				assert.False(t, seen.IsEmpty())
				return
			}
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", ClientIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.4")
	assert.Equal(t, "192.0.2.4", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

func TestLoggerFields(t *testing.T) {
	ctx := WithID(context.Background(), "call-77")
	entry := Logger(ctx, quietLogger())
	assert.Equal(t, "call-77", entry.Data["correlation_id"])

	assert.Empty(t, Logger(context.Background(), quietLogger()).Data)
}
