package correlation

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/errors"
)

// Middleware tags every request with a correlation id, echoes it in the
// response headers and logs completion.
func Middleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := FromRequest(r)
		if id.IsEmpty() {
			id = New()
		}
		clientIP := ClientIP(r)

		ctx := WithID(r.Context(), id)
		ctx = context.WithValue(ctx, clientIPKey, clientIP)
		r = r.WithContext(ctx)
		w.Header().Set(HTTPHeader, id.String())

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		fields := logrus.Fields{
			"correlation_id": id.String(),
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         rw.status,
			"duration_ms":    time.Since(start).Milliseconds(),
			"client_ip":      clientIP,
		}
		switch {
		case rw.hijacked:
			logger.WithFields(fields).Debug("HTTP connection upgraded")
		case rw.status >= 500:
			logger.WithFields(fields).Error("HTTP request completed with server error")
		case rw.status >= 400:
			logger.WithFields(fields).Warn("HTTP request completed with client error")
		default:
			logger.WithFields(fields).Debug("HTTP request completed")
		}
	})
}

// responseWriter records the status and keeps websocket upgrades working
type responseWriter struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.Wrap(errors.ErrNotImplemented, "response writer does not support hijacking")
	}
	w.hijacked = true
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
