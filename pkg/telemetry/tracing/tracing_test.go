package tracing

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"voicecall-engine/pkg/config"
)

func TestCallScopeLifecycle(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	shutdown, err := Init(context.Background(), config.TracingConfig{ServiceName: "test"}, logger)
	require.NoError(t, err)
	defer shutdown(context.Background())

	scope := StartCallScope(context.Background(), "CA123")
	callCtx := ContextForCall("CA123")
	assert.True(t, trace.SpanContextFromContext(callCtx).IsValid())

	ctx, span := StartSpan(callCtx, "conversation.respond")
	child := trace.SpanContextFromContext(ctx)
	assert.Equal(t, trace.SpanContextFromContext(callCtx).TraceID(), child.TraceID())
	EndSpan(span, io.ErrUnexpectedEOF)

	scope.End("hangup", nil)
	scope.End("hangup", nil)
	assert.False(t, trace.SpanContextFromContext(ContextForCall("CA123")).IsValid(), "ended scopes are forgotten")
}

func TestNilScopeIsSafe(t *testing.T) {
	var scope *CallScope
	assert.NotNil(t, scope.Context())
	scope.SetAttributes()
	scope.End("x", nil)
}
