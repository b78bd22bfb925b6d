package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/conversation"
	"voicecall-engine/pkg/correlation"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/ratelimit"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T) (*Server, *conversation.Manager) {
	t.Helper()
	cfg := &config.Config{
		HTTP: config.HTTPConfig{Port: 0, MediaPath: "/media-stream"},
		Media: config.MediaConfig{
			OutboundChunkBytes: 3200,
			InboundBufferCap:   160000,
			BargeInFrames:      20,
			IdleTimeout:        time.Minute,
		},
		Conversation: config.ConversationConfig{FlushMinChars: 30, FlushMaxChars: 200},
		Agent:        config.AgentConfig{MaxPlanSteps: 3},
	}
	logger := quietLogger()
	mgr := conversation.NewManager(logger, cfg, conversation.Dependencies{})
	media := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return NewServer(logger, cfg.HTTP, mgr, media), mgr
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthReportsActiveCalls(t *testing.T) {
	srv, mgr := newTestServer(t)
	mgr.GetOrCreate("CA1")
	mgr.GetOrCreate("CA2")

	rec := get(t, srv.Handler(), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Server"), "voicecall-engine/")

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.System.ActiveCalls)
	assert.Equal(t, "healthy", health.Checks["sessions"].Status)
}

func TestChecksDegradeOrFailReadiness(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.AddCheck("amqp", false, func(ctx context.Context) error {
		return errors.New("disconnected")
	})

	rec := get(t, srv.Handler(), http.MethodGet, "/health")
	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "disconnected", health.Checks["amqp"].Message)
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), http.MethodGet, "/health/ready").Code)

	srv.AddCheck("llm", true, func(ctx context.Context) error {
		return errors.New("breaker open")
	})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.Handler(), http.MethodGet, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), http.MethodGet, "/health/live").Code)
}

func TestCallInspectionAndHangup(t *testing.T) {
	srv, mgr := newTestServer(t)
	s := mgr.GetOrCreate("CA-live")

	rec := get(t, srv.Handler(), http.MethodGet, "/calls/CA-live")
	require.Equal(t, http.StatusOK, rec.Code)
	var status callStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "CA-live", status.CallSID)
	assert.Equal(t, string(conversation.StateIdle), status.State)

	rec = get(t, srv.Handler(), http.MethodDelete, "/calls/CA-live")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, s.Ended())
	assert.Equal(t, 0, mgr.ActiveCount())

	rec = get(t, srv.Handler(), http.MethodGet, "/calls/CA-live")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = get(t, srv.Handler(), http.MethodDelete, "/calls/CA-live")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaPathIsMounted(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, http.StatusTeapot, get(t, srv.Handler(), http.MethodGet, "/media-stream").Code)
}

func TestRootHandlerAddsCorrelationAndRateLimits(t *testing.T) {
	srv, _ := newTestServer(t)
	logger := quietLogger()
	limiter := ratelimit.NewLimiter(logger, 0.001, 1, time.Minute)
	srv.SetRateLimiter(ratelimit.NewMiddleware(logger, limiter, []string{"/health"}))
	h := srv.Handler()

	rec := get(t, h, http.MethodGet, "/calls/CA-none")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(correlation.HTTPHeader))

	rec = get(t, h, http.MethodGet, "/calls/CA-none")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/health/live").Code)
}
