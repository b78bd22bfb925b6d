package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"voicecall-engine/pkg/config"

	"github.com/sirupsen/logrus"
)

// openAIPCMRate is the fixed rate of the "pcm" response format
const openAIPCMRate = 24000

// OpenAIProvider streams speech from an OpenAI compatible /audio/speech endpoint
type OpenAIProvider struct {
	logger *logrus.Logger
	config config.OpenAITTSConfig
	client *http.Client
}

// NewOpenAIProvider creates the provider
func NewOpenAIProvider(logger *logrus.Logger, cfg config.OpenAITTSConfig) *OpenAIProvider {
	return &OpenAIProvider{
		logger: logger,
		config: cfg,
		client: &http.Client{},
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Synthesize returns the whole utterance
func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ch, err := p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	return collect(ch), nil
}

// SynthesizeStream requests raw PCM and yields it as the body arrives
func (p *OpenAIProvider) SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error) {
	if p.config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if voice == "" {
		voice = p.config.Voice
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":           p.config.Model,
		"input":           text,
		"voice":           voice,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create speech request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("speech request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan []byte, 16)
	go streamBody(ctx, p.logger.WithField("provider", p.Name()), resp.Body, out, openAIPCMRate)
	return out, nil
}
