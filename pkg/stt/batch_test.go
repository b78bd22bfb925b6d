package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicecall-engine/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperBatchTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "utterance.wav", header.Filename)
		riff := make([]byte, 4)
		_, err = file.Read(riff)
		require.NoError(t, err)
		assert.Equal(t, "RIFF", string(riff))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":" I would like a callback tomorrow. "}`))
	}))
	defer server.Close()

	batch := NewWhisperBatch(quietLogger(), config.BatchSTTConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1/",
		Model:   "whisper-1",
	})
	text, err := batch.Transcribe(context.Background(), make([]byte, 640), 16000)
	require.NoError(t, err)
	assert.Equal(t, "I would like a callback tomorrow.", text)
}

func TestWhisperBatchErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	batch := NewWhisperBatch(quietLogger(), config.BatchSTTConfig{APIKey: "k", BaseURL: server.URL, Model: "whisper-1"})
	_, err := batch.Transcribe(context.Background(), []byte{1, 2}, 16000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	text, err := batch.Transcribe(context.Background(), nil, 16000)
	require.NoError(t, err)
	assert.Empty(t, text)

	noKey := NewWhisperBatch(quietLogger(), config.BatchSTTConfig{BaseURL: server.URL})
	_, err = noKey.Transcribe(context.Background(), []byte{1}, 16000)
	assert.Error(t, err)
}
