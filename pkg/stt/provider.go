package stt

import (
	"context"
	"fmt"

	"voicecall-engine/pkg/config"

	"github.com/sirupsen/logrus"
)

// NewTransport builds the streaming transport named by cfg.Provider
func NewTransport(ctx context.Context, logger *logrus.Logger, cfg config.STTConfig) (Transport, error) {
	switch cfg.Provider {
	case "deepgram":
		return NewDeepgramTransport(logger, cfg.Deepgram, cfg.Language, cfg.SampleRate), nil
	case "google":
		t, err := NewGoogleTransport(ctx, logger, cfg.Google, cfg.Language, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "amazon":
		t, err := NewAmazonTransport(ctx, logger, cfg.Amazon, cfg.Language, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported STT provider: %s", cfg.Provider)
	}
}

// StreamConfigFrom maps configuration onto client settings
func StreamConfigFrom(cfg config.STTConfig) StreamConfig {
	sc := DefaultStreamConfig()
	sc.MaxAttempts = cfg.ConnectAttempts
	if len(cfg.Backoff) > 0 {
		sc.Backoff = cfg.Backoff
	}
	sc.KeepaliveInterval = cfg.KeepaliveInterval
	sc.SampleRate = cfg.SampleRate
	return sc
}
