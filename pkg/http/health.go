package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/version"
)

const checkTimeout = 2 * time.Second

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines  int    `json:"goroutines"`
	MemoryMB    uint64 `json:"memory_mb"`
	CPUCount    int    `json:"cpu_count"`
	ActiveCalls int    `json:"active_calls"`
}

// CheckFunc probes one collaborator. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// AddCheck registers a collaborator probe. A failing critical check makes
// the service unhealthy and not ready; others only degrade it.
func (s *Server) AddCheck(name string, critical bool, fn CheckFunc) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks = append(s.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// runChecks returns the overall status and each check's result
func (s *Server) runChecks(ctx context.Context) (string, map[string]CheckResult) {
	s.checksMu.RLock()
	checks := append([]namedCheck(nil), s.checks...)
	s.checksMu.RUnlock()

	status := "healthy"
	results := make(map[string]CheckResult, len(checks)+1)

	if s.calls != nil {
		results["sessions"] = CheckResult{Status: "healthy", Message: "Session manager running"}
	} else {
		results["sessions"] = CheckResult{Status: "unhealthy", Message: "Session manager not initialized"}
		status = "unhealthy"
	}

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.fn(cctx)
		cancel()
		if err == nil {
			results[c.name] = CheckResult{Status: "healthy"}
			continue
		}
		if c.critical {
			results[c.name] = CheckResult{Status: "unhealthy", Message: err.Error()}
			status = "unhealthy"
			continue
		}
		results[c.name] = CheckResult{Status: "degraded", Message: err.Error()}
		if status == "healthy" {
			status = "degraded"
		}
	}
	return status, results
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	status, checks := s.runChecks(r.Context())

	health := HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    checks,
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System.GoRoutines = runtime.NumGoroutine()
	health.System.MemoryMB = m.Alloc / 1024 / 1024
	health.System.CPUCount = runtime.NumCPU()
	if s.calls != nil {
		health.System.ActiveCalls = s.calls.ActiveCount()
	}

	if r.URL.Query().Get("detailed") == "true" {
		s.logger.WithFields(logrus.Fields{
			"status":   health.Status,
			"checks":   health.Checks,
			"system":   health.System,
			"duration": time.Since(startTime),
		}).Debug("Health check performed")
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(health)
}

// LivenessHandler handles kubernetes liveness probe
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler handles kubernetes readiness probe
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.runChecks(r.Context())
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
