package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// WhisperBatch transcribes whole utterances through an OpenAI compatible
// /audio/transcriptions endpoint.
type WhisperBatch struct {
	logger *logrus.Logger
	config config.BatchSTTConfig
	client *http.Client
}

// NewWhisperBatch creates the batch transcriber
func NewWhisperBatch(logger *logrus.Logger, cfg config.BatchSTTConfig) *WhisperBatch {
	return &WhisperBatch{
		logger: logger,
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Transcribe uploads pcm as a WAV file and returns the recognized text
func (w *WhisperBatch) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if w.config.APIKey == "" {
		return "", fmt.Errorf("batch transcription API key not configured")
	}
	if len(pcm) == 0 {
		return "", nil
	}
	defer metrics.ObserveProviderLatency("stt_batch", "whisper")()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio.EncodeWAV(pcm, sampleRate)); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	_ = form.WriteField("model", w.config.Model)
	_ = form.WriteField("response_format", "json")
	if err := form.Close(); err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(w.config.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.RecordProviderError("stt_batch", "whisper", "network")
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		metrics.RecordProviderError("stt_batch", "whisper", "status")
		return "", fmt.Errorf("transcription failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode transcription: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
