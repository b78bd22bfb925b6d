package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersAreNoopsWhenDisabled(t *testing.T) {
	EnableMetrics(false)
	defer EnableMetrics(true)

	assert.NotPanics(t, func() {
		RecordBargeIn()
		RecordTranscript("deepgram", "forwarded")
		ObserveProviderLatency("llm", "openai")()
		StartCallTimer()("stop")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	StartMetrics(logger, true)

	RecordBargeIn()
	RecordSTTConnect("deepgram", true)
	end := StartCallTimer()
	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveCalls))
	end("stop")
	assert.Equal(t, float64(0), testutil.ToFloat64(ActiveCalls))

	mux := http.NewServeMux()
	RegisterHandler(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voicecall_barge_ins_total")
	assert.Contains(t, rec.Body.String(), `voicecall_stt_connects_total{provider="deepgram",status="success"} 1`)
}
