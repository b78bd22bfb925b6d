package correlation

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Header names checked for an incoming request id, in order
const (
	HTTPHeader          = "X-Correlation-ID"
	HTTPRequestIDHeader = "X-Request-ID"

	// TwilioRequestHeader is sent by Twilio on webhook and stream requests
	TwilioRequestHeader = "I-Twilio-Idempotency-Token"
)

// maxIDLength bounds ids accepted from clients
const maxIDLength = 128

type contextKey int

const (
	correlationIDKey contextKey = iota
	clientIPKey
)

// ID identifies one HTTP request or media stream across log lines
type ID string

func (id ID) String() string {
	return string(id)
}

// IsEmpty reports whether the id is unset
func (id ID) IsEmpty() bool {
	return id == ""
}

// New generates a random id
func New() ID {
	return ID(uuid.NewString())
}

// WithID stores id in the context
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromContext returns the id stored in ctx, or an empty id
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey).(ID)
	return id
}

// ClientIPFromContext returns the client address recorded by the middleware
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// Logger returns logger with the request's correlation fields attached
func Logger(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	fields := logrus.Fields{}
	if id := FromContext(ctx); !id.IsEmpty() {
		fields["correlation_id"] = id.String()
	}
	if ip := ClientIPFromContext(ctx); ip != "" {
		fields["client_ip"] = ip
	}
	return logger.WithFields(fields)
}

// FromRequest extracts a client supplied id, ignoring oversized values
func FromRequest(r *http.Request) ID {
	for _, h := range []string{HTTPHeader, HTTPRequestIDHeader, TwilioRequestHeader} {
		v := strings.TrimSpace(r.Header.Get(h))
		if v != "" && len(v) <= maxIDLength {
			return ID(v)
		}
	}
	return ""
}

// ClientIP returns the originating address, preferring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
