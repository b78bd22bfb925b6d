package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"voicecall-engine/pkg/config"
)

// GoogleTransport opens Google Speech-to-Text streaming recognitions
type GoogleTransport struct {
	logger     *logrus.Logger
	client     *speech.Client
	config     config.GoogleSTTConfig
	language   string
	sampleRate int
}

// NewGoogleTransport creates the shared speech client
func NewGoogleTransport(ctx context.Context, logger *logrus.Logger, cfg config.GoogleSTTConfig, language string, sampleRate int) (*GoogleTransport, error) {
	var clientOptions []option.ClientOption
	if cfg.APIKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(cfg.APIKey))
	} else if cfg.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := speech.NewClient(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}

	return &GoogleTransport{
		logger:     logger,
		client:     client,
		config:     cfg,
		language:   language,
		sampleRate: sampleRate,
	}, nil
}

// Name returns the provider name
func (t *GoogleTransport) Name() string {
	return "google"
}

// Dial starts a streaming recognition and sends its configuration
func (t *GoogleTransport) Dial(ctx context.Context, callSID string) (Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := t.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start Google stream: %w", err)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(t.sampleRate),
		LanguageCode:               t.language,
		EnableAutomaticPunctuation: true,
		Model:                      t.config.Model,
		UseEnhanced:                true,
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	t.logger.WithField("call_sid", callSID).Debug("Google streaming recognition started")
	return &googleConn{stream: stream, cancel: cancel}, nil
}

// Close releases the shared client
func (t *GoogleTransport) Close() error {
	return t.client.Close()
}

type googleConn struct {
	stream    speechpb.Speech_StreamingRecognizeClient
	cancel    context.CancelFunc
	pending   []TranscriptEvent
	closeOnce sync.Once
}

func (c *googleConn) Send(audio []byte) error {
	return c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (c *googleConn) Recv() (TranscriptEvent, error) {
	for len(c.pending) == 0 {
		resp, err := c.stream.Recv()
		if err != nil {
			return TranscriptEvent{}, err
		}
		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			text := strings.TrimSpace(alt.Transcript)
			if text == "" {
				continue
			}
			// Partial results carry stability rather than confidence
			confidence := float64(alt.Confidence)
			if !result.IsFinal {
				confidence = float64(result.Stability)
			}
			c.pending = append(c.pending, TranscriptEvent{
				Text:       text,
				IsFinal:    result.IsFinal,
				Confidence: confidence,
				Provider:   "google",
				ReceivedAt: time.Now(),
			})
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *googleConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.CloseSend()
		c.cancel()
	})
	if err == io.EOF {
		return nil
	}
	return err
}
