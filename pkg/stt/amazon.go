package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/config"
)

// partialConfidence is assigned to partial results, which Transcribe sends
// without item confidences. It keeps them eligible for barge-in only.
const partialConfidence = 0.5

// AmazonTransport opens Amazon Transcribe streaming sessions
type AmazonTransport struct {
	logger     *logrus.Logger
	client     *transcribestreaming.Client
	language   string
	sampleRate int
}

// NewAmazonTransport loads AWS configuration and creates the client
func NewAmazonTransport(ctx context.Context, logger *logrus.Logger, cfg config.AmazonSTTConfig, language string, sampleRate int) (*AmazonTransport, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			}, nil
		})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"region":      region,
		"language":    language,
		"sample_rate": sampleRate,
	}).Info("Amazon Transcribe transport initialized")

	return &AmazonTransport{
		logger:     logger,
		client:     transcribestreaming.NewFromConfig(awsCfg),
		language:   language,
		sampleRate: sampleRate,
	}, nil
}

// Name returns the provider name
func (t *AmazonTransport) Name() string {
	return "amazon"
}

// Dial starts one transcription stream
func (t *AmazonTransport) Dial(ctx context.Context, callSID string) (Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	resp, err := t.client.StartStreamTranscription(streamCtx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(t.language),
		MediaSampleRateHertz: aws.Int32(int32(t.sampleRate)),
		MediaEncoding:        types.MediaEncodingPcm,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start transcription stream: %w", err)
	}

	t.logger.WithField("call_sid", callSID).Debug("Amazon Transcribe stream started")
	return &amazonConn{ctx: streamCtx, cancel: cancel, stream: resp.GetStream()}, nil
}

type amazonConn struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stream    *transcribestreaming.StartStreamTranscriptionEventStream
	pending   []TranscriptEvent
	closeOnce sync.Once
}

func (c *amazonConn) Send(audio []byte) error {
	return c.stream.Send(c.ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: audio},
	})
}

func (c *amazonConn) Recv() (TranscriptEvent, error) {
	for len(c.pending) == 0 {
		event, ok := <-c.stream.Events()
		if !ok {
			if err := c.stream.Err(); err != nil {
				return TranscriptEvent{}, err
			}
			return TranscriptEvent{}, io.EOF
		}
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, result := range te.Value.Transcript.Results {
			if len(result.Alternatives) == 0 || result.Alternatives[0].Transcript == nil {
				continue
			}
			alt := result.Alternatives[0]
			text := strings.TrimSpace(*alt.Transcript)
			if text == "" {
				continue
			}
			c.pending = append(c.pending, TranscriptEvent{
				Text:       text,
				IsFinal:    !result.IsPartial,
				Confidence: itemConfidence(alt.Items, result.IsPartial),
				Provider:   "amazon",
				ReceivedAt: time.Now(),
			})
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func itemConfidence(items []types.Item, partial bool) float64 {
	var sum float64
	var n int
	for _, item := range items {
		if item.Confidence != nil {
			sum += *item.Confidence
			n++
		}
	}
	if n == 0 {
		if partial {
			return partialConfidence
		}
		return 1.0
	}
	return sum / float64(n)
}

func (c *amazonConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		c.cancel()
	})
	return err
}
