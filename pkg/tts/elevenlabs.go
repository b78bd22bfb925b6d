package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"voicecall-engine/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// elevenLabsMessage is one server frame of the stream-input protocol
type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ElevenLabsProvider streams speech over the ElevenLabs stream-input websocket
type ElevenLabsProvider struct {
	logger *logrus.Logger
	config config.ElevenLabsTTSConfig
	dialer *websocket.Dialer
}

// NewElevenLabsProvider creates the provider
func NewElevenLabsProvider(logger *logrus.Logger, cfg config.ElevenLabsTTSConfig) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		logger: logger,
		config: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Name returns the provider name
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// Synthesize returns the whole utterance
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ch, err := p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	return collect(ch), nil
}

func (p *ElevenLabsProvider) buildURL(voiceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(p.config.URL, "/") + "/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return "", fmt.Errorf("invalid ElevenLabs URL: %w", err)
	}
	q := u.Query()
	q.Set("model_id", p.config.Model)
	q.Set("output_format", fmt.Sprintf("pcm_%d", OutputSampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SynthesizeStream sends the whole text followed by the end-of-input marker
// and yields audio frames as they are generated.
func (p *ElevenLabsProvider) SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error) {
	if p.config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if voice == "" {
		voice = p.config.VoiceID
	}

	wsURL, err := p.buildURL(voice)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", p.config.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial ElevenLabs (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial ElevenLabs: %w", err)
	}

	messages := []interface{}{
		map[string]interface{}{
			"text": " ",
			"voice_settings": map[string]float64{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
		},
		map[string]interface{}{"text": text + " ", "try_trigger_generation": true},
		map[string]string{"text": ""},
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	for _, msg := range messages {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send text to ElevenLabs: %w", err)
		}
	}

	out := make(chan []byte, 16)
	go p.readLoop(ctx, conn, out)
	return out, nil
}

func (p *ElevenLabsProvider) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	logger := p.logger.WithField("provider", p.Name())
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	// Unblocks ReadMessage when the caller cancels
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	defer close(out)
	defer closeConn()
	defer close(done)

	var aligner sampleAligner
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("ElevenLabs stream ended with error")
			}
			return
		}

		var msg elevenLabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			logger.WithField("error", msg.Error).WithField("detail", msg.Message).Warn("ElevenLabs reported an error")
			return
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err == nil {
				if chunk := aligner.align(pcm); len(chunk) > 0 {
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if msg.IsFinal {
			return
		}
	}
}
