package config

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "/media-stream", cfg.HTTP.MediaPath)
	assert.Equal(t, 3200, cfg.Media.OutboundChunkBytes)
	assert.Equal(t, 10*time.Millisecond, cfg.Media.OutboundPacing)
	assert.Equal(t, 160000, cfg.Media.InboundBufferCap)
	assert.Equal(t, 20*time.Second, cfg.Conversation.STTTimeout)
	assert.Equal(t, 15*time.Second, cfg.Conversation.LLMTimeout)
	assert.Equal(t, 12*time.Second, cfg.Conversation.TTSTimeout)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, cfg.STT.Backoff)
	assert.Equal(t, 150*time.Millisecond, cfg.STT.KeepaliveInterval)
	assert.Equal(t, []string{"elevenlabs", "openai", "deepgram"}, cfg.TTS.AllowedProviders)
	assert.Equal(t, 6334, cfg.RAG.QdrantPort)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Contains(t, cfg.RateLimit.ExemptPaths, "/metrics")
	assert.True(t, cfg.PII.Enabled)
	assert.Empty(t, cfg.HTTP.TLSCertFile)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MEDIA_STREAM_PATH", "twilio")
	t.Setenv("STT_PROVIDER", "Amazon")
	t.Setenv("STT_BACKOFF", "100ms, 200ms")
	t.Setenv("TTS_ALLOWED_PROVIDERS", "OpenAI , deepgram")
	t.Setenv("TTS_DEFAULT_PROVIDER", "openai")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("LOG_LEVEL", "verbose")
	t.Setenv("AGENT_USE_TOOLS", "off")

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/twilio", cfg.HTTP.MediaPath)
	assert.Equal(t, "amazon", cfg.STT.Provider)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.STT.Backoff)
	assert.Equal(t, []string{"openai", "deepgram"}, cfg.TTS.AllowedProviders)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Conversation.UseTools)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port", map[string]string{"HTTP_PORT": "70000"}},
		{"tts default outside allow-list", map[string]string{"TTS_ALLOWED_PROVIDERS": "openai", "TTS_DEFAULT_PROVIDER": "elevenlabs"}},
		{"flush thresholds", map[string]string{"TTS_FLUSH_MIN_CHARS": "300"}},
		{"confidence", map[string]string{"TRANSCRIPT_MIN_CONFIDENCE": "1.5"}},
		{"plan steps", map[string]string{"AGENT_MAX_PLAN_STEPS": "0"}},
		{"rate limit burst", map[string]string{"RATE_LIMIT_ENABLED": "true", "RATE_LIMIT_BURST": "0"}},
		{"tls key without cert", map[string]string{"HTTP_TLS_KEY_FILE": "/etc/tls/key.pem"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(testLogger())
			assert.Error(t, err)
		})
	}
}

func TestApplyLogging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: "json"}}
	logger := logrus.New()
	require.NoError(t, cfg.ApplyLogging(logger))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cfg.Logging.Level = "nope"
	assert.Error(t, cfg.ApplyLogging(logger))
}
