package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndWrap(t *testing.T) {
	err := New("stream closed")
	require.NotNil(t, err)
	assert.Equal(t, "stream closed", err.Error())
	assert.Contains(t, err.Location(), "errors_test.go")

	base := errors.New("dial tcp: refused")
	wrapped := Wrap(base, "deepgram connect")
	assert.Contains(t, wrapped.Error(), "deepgram connect")
	assert.Contains(t, wrapped.Error(), "refused")
	assert.Equal(t, base, errors.Unwrap(wrapped))

	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestFieldsAreCopyOnWrite(t *testing.T) {
	base := New("synthesis failed").WithField("provider", "elevenlabs")
	derived := base.WithFields(map[string]interface{}{"voice": "rachel"}).WithCode("TTS")

	assert.Len(t, base.GetFields(), 1)
	assert.Len(t, derived.GetFields(), 2)
	assert.Equal(t, "", base.GetCode())
	assert.Equal(t, "TTS", GetErrorCode(derived))
	assert.Equal(t, "rachel", GetErrorFields(derived)["voice"])
}

func TestSentinelConstructors(t *testing.T) {
	notFound := NewSessionNotFound("CA123")
	assert.True(t, errors.Is(notFound, ErrSessionNotFound))
	assert.Equal(t, "CA123", notFound.GetFields()["call_sid"])
	assert.Equal(t, "SESSION_NOT_FOUND", notFound.GetCode())

	timeout := NewTimeout("llm")
	assert.True(t, errors.Is(timeout, ErrTimeout))
	assert.Equal(t, "llm", timeout.GetFields()["stage"])

	unavailable := NewProviderUnavailable("tts", "openai", errors.New("502"))
	assert.True(t, errors.Is(unavailable, ErrProviderUnavailable))
	assert.Contains(t, unavailable.Error(), "502")

	wrapped := Wrap(NewNotConfigured("rag"), "retrieve")
	assert.True(t, errors.Is(wrapped, ErrNotConfigured))
	assert.Equal(t, "NOT_CONFIGURED", GetErrorCode(wrapped))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"timeout", NewTimeout("stt"), KindTransient},
		{"deadline", fmt.Errorf("recv: %w", context.DeadlineExceeded), KindTransient},
		{"provider", NewProviderUnavailable("stt", "deepgram", nil), KindTransient},
		{"config", NewNotConfigured("lead store"), KindConfiguration},
		{"semantic", Wrap(ErrEmptyResponse, "llm"), KindSemantic},
		{"fatal", NewSessionNotFound("CA1"), KindFatal},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.True(t, IsTransient(NewTimeout("tts")))
	assert.Equal(t, "transient", KindTransient.String())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedBody   string
	}{
		{"structured", NewSessionNotFound("CA9"), http.StatusNotFound, `"call_sid": "CA9"`},
		{"plain sentinel", ErrTimeout, http.StatusGatewayTimeout, `"error": "operation timed out"`},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, `"boom"`},
		{"nil", nil, http.StatusInternalServerError, "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.expectedBody)
		})
	}
}
