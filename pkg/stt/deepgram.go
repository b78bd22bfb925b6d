package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicecall-engine/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// deepgramMessage is the subset of the live transcription response we use
type deepgramMessage struct {
	Type        string  `json:"type"` // "Results", "UtteranceEnd", "SpeechStarted", "Metadata"
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// DeepgramTransport dials Deepgram live transcription websockets
type DeepgramTransport struct {
	logger     *logrus.Logger
	config     config.DeepgramSTTConfig
	language   string
	sampleRate int
	dialer     *websocket.Dialer
}

// NewDeepgramTransport creates a Deepgram transport
func NewDeepgramTransport(logger *logrus.Logger, cfg config.DeepgramSTTConfig, language string, sampleRate int) *DeepgramTransport {
	return &DeepgramTransport{
		logger:     logger,
		config:     cfg,
		language:   language,
		sampleRate: sampleRate,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Name returns the provider name
func (t *DeepgramTransport) Name() string {
	return "deepgram"
}

func (t *DeepgramTransport) buildURL() (string, error) {
	wsURL, err := url.Parse(t.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram URL: %w", err)
	}

	query := url.Values{}
	query.Set("model", t.config.Model)
	query.Set("language", t.language)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(t.sampleRate))
	query.Set("channels", "1")
	query.Set("punctuate", "true")
	query.Set("smart_format", "true")
	query.Set("interim_results", "true")
	query.Set("endpointing", "300")
	query.Set("vad_events", "true")
	wsURL.RawQuery = query.Encode()
	return wsURL.String(), nil
}

// Dial opens one live transcription websocket
func (t *DeepgramTransport) Dial(ctx context.Context, callSID string) (Conn, error) {
	if t.config.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key not configured")
	}
	wsURL, err := t.buildURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.config.APIKey)

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial Deepgram (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial Deepgram: %w", err)
	}

	t.logger.WithField("call_sid", callSID).Debug("Deepgram websocket established")
	return &deepgramConn{ws: conn}, nil
}

type deepgramConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *deepgramConn) Send(audio []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, audio)
}

func (c *deepgramConn) Recv() (TranscriptEvent, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return TranscriptEvent{}, io.EOF
			}
			return TranscriptEvent{}, err
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}

		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		return TranscriptEvent{
			Text:       text,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			Provider:   "deepgram",
			ReceivedAt: time.Now(),
		}, nil
	}
}

func (c *deepgramConn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
