package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"voicecall-engine/pkg/config"

	"github.com/sirupsen/logrus"
)

// DeepgramProvider streams Aura speech over chunked HTTP
type DeepgramProvider struct {
	logger *logrus.Logger
	config config.DeepgramTTSConfig
	client *http.Client
}

// NewDeepgramProvider creates the provider
func NewDeepgramProvider(logger *logrus.Logger, cfg config.DeepgramTTSConfig) *DeepgramProvider {
	return &DeepgramProvider{
		logger: logger,
		config: cfg,
		client: &http.Client{},
	}
}

// Name returns the provider name
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// Synthesize returns the whole utterance
func (p *DeepgramProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ch, err := p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	return collect(ch), nil
}

// SynthesizeStream asks for headerless linear16 at the pipeline rate. Aura
// voices are models, so a voice hint replaces the configured model.
func (p *DeepgramProvider) SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error) {
	if p.config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	model := p.config.Model
	if voice != "" {
		model = voice
	}

	endpoint, err := url.Parse(p.config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Deepgram speak URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(OutputSampleRate))
	query.Set("container", "none")
	endpoint.RawQuery = query.Encode()

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speak request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("speak request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan []byte, 16)
	go streamBody(ctx, p.logger.WithField("provider", p.Name()), resp.Body, out, OutputSampleRate)
	return out, nil
}
