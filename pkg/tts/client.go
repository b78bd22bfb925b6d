package tts

import (
	"context"
	"strings"
	"sync"

	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// StreamClient fronts the registered providers. It never returns errors:
// a failed synthesis is an empty stream or nil audio, and callers fall back
// to text or canned phrases.
type StreamClient struct {
	logger          *logrus.Logger
	breakers        *circuitbreaker.Manager
	defaultProvider string
	allowed         []string

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewStreamClient creates a client restricted to allowed provider ids
func NewStreamClient(logger *logrus.Logger, defaultProvider string, allowed []string, breakers *circuitbreaker.Manager) *StreamClient {
	normalized := make([]string, 0, len(allowed))
	for _, id := range allowed {
		if id = normalizeID(id); id != "" {
			normalized = append(normalized, id)
		}
	}
	return &StreamClient{
		logger:          logger,
		breakers:        breakers,
		defaultProvider: normalizeID(defaultProvider),
		allowed:         normalized,
		providers:       make(map[string]Provider),
	}
}

// NewStreamClientFromConfig registers every provider named in the allow-list
func NewStreamClientFromConfig(logger *logrus.Logger, cfg config.TTSConfig, breakers *circuitbreaker.Manager) *StreamClient {
	client := NewStreamClient(logger, cfg.DefaultProvider, cfg.AllowedProviders, breakers)
	client.Register(NewElevenLabsProvider(logger, cfg.ElevenLabs))
	client.Register(NewOpenAIProvider(logger, cfg.OpenAI))
	client.Register(NewDeepgramProvider(logger, cfg.Deepgram))
	return client
}

// Register adds a provider; ids outside the allow-list are ignored
func (c *StreamClient) Register(p Provider) {
	id := normalizeID(p.Name())
	if !c.isAllowed(id) {
		c.logger.WithField("provider", id).Debug("TTS provider not in allow-list, skipping")
		return
	}
	c.mu.Lock()
	c.providers[id] = p
	c.mu.Unlock()
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (c *StreamClient) isAllowed(id string) bool {
	for _, a := range c.allowed {
		if a == id {
			return true
		}
	}
	return false
}

// SanitizeProvider maps any provider id onto a usable allow-listed one.
// Unknown ids fall back to the default, then to the first registered
// provider in allow-list order.
func (c *StreamClient) SanitizeProvider(id string) string {
	id = normalizeID(id)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.providers[id]; ok {
		return id
	}
	if id != "" {
		c.logger.WithFields(logrus.Fields{
			"requested": id,
			"default":   c.defaultProvider,
		}).Debug("Unrecognized TTS provider, using default")
	}
	if _, ok := c.providers[c.defaultProvider]; ok {
		return c.defaultProvider
	}
	for _, a := range c.allowed {
		if _, ok := c.providers[a]; ok {
			return a
		}
	}
	return c.defaultProvider
}

func (c *StreamClient) provider(id string) Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[id]
}

// SynthesizeStream starts a fresh stream of PCM chunks. The returned channel
// is always non-nil and is closed when synthesis ends; on failure it is
// closed without yielding anything.
func (c *StreamClient) SynthesizeStream(ctx context.Context, providerID, text, voice string) <-chan []byte {
	id := c.SanitizeProvider(providerID)
	p := c.provider(id)
	if p == nil || strings.TrimSpace(text) == "" {
		return closedStream()
	}

	done := metrics.ObserveProviderLatency("tts", id)
	var ch <-chan []byte
	err := c.guard(ctx, id, func(context.Context) error {
		// The stream outlives this call, so it keeps the caller's context
		var err error
		ch, err = p.SynthesizeStream(ctx, text, voice)
		return err
	})
	done()
	if err != nil {
		c.logFailure(ctx, id, err)
		return closedStream()
	}
	return ch
}

// SynthesizeOnce returns the whole utterance, or nil on failure
func (c *StreamClient) SynthesizeOnce(ctx context.Context, providerID, text, voice string) []byte {
	id := c.SanitizeProvider(providerID)
	p := c.provider(id)
	if p == nil || strings.TrimSpace(text) == "" {
		return nil
	}

	defer metrics.ObserveProviderLatency("tts", id)()
	var pcm []byte
	err := c.guard(ctx, id, func(ctx context.Context) error {
		var err error
		pcm, err = p.Synthesize(ctx, text, voice)
		return err
	})
	if err != nil {
		c.logFailure(ctx, id, err)
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}
	return pcm
}

func (c *StreamClient) guard(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if c.breakers == nil {
		return fn(ctx)
	}
	return c.breakers.GetCircuitBreaker("tts_"+id, circuitbreaker.TTSConfig()).Execute(ctx, fn)
}

func (c *StreamClient) logFailure(ctx context.Context, id string, err error) {
	if ctx.Err() != nil {
		return
	}
	kind := "provider"
	if circuitbreaker.IsCircuitBreakerError(err) {
		kind = "circuit_open"
	}
	metrics.RecordProviderError("tts", id, kind)
	c.logger.WithError(err).WithField("provider", id).Warn("TTS synthesis failed")
}

func closedStream() <-chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}
