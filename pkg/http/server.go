package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/conversation"
	"voicecall-engine/pkg/correlation"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/messaging"
	"voicecall-engine/pkg/metrics"
	"voicecall-engine/pkg/ratelimit"
	"voicecall-engine/pkg/version"
)

// EndReasonAPI marks calls ended through the HTTP API
const EndReasonAPI = "api_hangup"

// CallRegistry is the view of the session manager the server exposes
type CallRegistry interface {
	ActiveCount() int
	Get(callSID string) (*conversation.CallSession, bool)
	EndSession(callSID, reason string) bool
}

// Server serves health, metrics, call inspection and the media websocket
type Server struct {
	config     config.HTTPConfig
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	calls      CallRegistry
	limiter    *ratelimit.Middleware
	startTime  time.Time

	checksMu sync.RWMutex
	checks   []namedCheck
}

// NewServer creates the HTTP server. media is mounted at the configured
// media path when non-nil.
func NewServer(logger *logrus.Logger, cfg config.HTTPConfig, calls CallRegistry, media http.Handler) *Server {
	s := &Server{
		config:    cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		calls:     calls,
		startTime: time.Now(),
	}

	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	s.mux.HandleFunc("GET /health", addServerHeader(s.HealthHandler))
	s.mux.HandleFunc("GET /health/live", addServerHeader(s.LivenessHandler))
	s.mux.HandleFunc("GET /health/ready", addServerHeader(s.ReadinessHandler))
	s.mux.HandleFunc("GET /calls/{sid}", addServerHeader(s.callHandler))
	s.mux.HandleFunc("DELETE /calls/{sid}", addServerHeader(s.hangupHandler))
	metrics.RegisterHandler(s.mux)

	if media != nil {
		s.mux.Handle(cfg.MediaPath, media)
		logger.WithField("path", cfg.MediaPath).Info("Media stream endpoint registered")
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// SetRateLimiter throttles every route the limiter does not exempt
func (s *Server) SetRateLimiter(m *ratelimit.Middleware) {
	s.limiter = m
}

// Handler returns the root handler with correlation and rate limiting
// applied
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.Handler(h)
	}
	return correlation.Middleware(s.logger, h)
}

// RegisterHandler adds a custom handler to the server
func (s *Server) RegisterHandler(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
	s.logger.WithField("pattern", pattern).Info("Registered custom HTTP handler")
}

// Start serves in a goroutine. Listener failures are sent on the returned
// channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.httpServer.Handler = s.Handler()
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")

	go func() {
		var err error
		if s.config.TLSCertFile != "" {
			s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

type callStatus struct {
	CallSID       string            `json:"call_sid"`
	StreamSID     string            `json:"stream_sid,omitempty"`
	CampaignID    string            `json:"campaign_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	LeadID        string            `json:"lead_id,omitempty"`
	Inbound       bool              `json:"inbound"`
	StartedAt     time.Time         `json:"started_at"`
	LastAudio     time.Time         `json:"last_audio"`
	State         string            `json:"response_state"`
	Speaking      bool              `json:"speaking"`
	Processing    bool              `json:"processing"`
	QueuedChunks  int               `json:"queued_chunks"`
	BufferedBytes int               `json:"buffered_bytes"`
	Stats         messaging.Stats   `json:"stats"`
	Custom        map[string]string `json:"custom,omitempty"`
}

func (s *Server) callHandler(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess, ok := s.calls.Get(sid)
	if !ok {
		s.ErrorResponse(w, errors.NewSessionNotFound(sid))
		return
	}

	p := sess.Params()
	status := callStatus{
		CallSID:       sess.CallSID,
		StreamSID:     p.StreamSID,
		CampaignID:    p.CampaignID,
		AgentID:       p.AgentID,
		LeadID:        p.LeadID,
		Inbound:       p.Inbound,
		StartedAt:     sess.StartedAt,
		LastAudio:     sess.LastAudio(),
		State:         string(sess.ResponseState()),
		Speaking:      sess.IsSpeaking(),
		Processing:    sess.IsProcessing(),
		QueuedChunks:  sess.Outbound.Len(),
		BufferedBytes: sess.BufferedBytes(),
		Stats:         sess.Stats(),
		Custom:        p.Custom,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) hangupHandler(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if !s.calls.EndSession(sid, EndReasonAPI) {
		s.ErrorResponse(w, errors.NewSessionNotFound(sid))
		return
	}
	correlation.Logger(r.Context(), s.logger).WithField("call_sid", sid).Info("Call ended through API")
	w.WriteHeader(http.StatusNoContent)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}
