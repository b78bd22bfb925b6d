package tts

import (
	"context"
	"sync"
)

// PhraseCache keeps synthesized audio for fixed phrases so fallback
// utterances still play when a provider later fails.
type PhraseCache struct {
	client *StreamClient

	mu    sync.RWMutex
	audio map[string][]byte
}

// NewPhraseCache creates an empty cache backed by client
func NewPhraseCache(client *StreamClient) *PhraseCache {
	return &PhraseCache{
		client: client,
		audio:  make(map[string][]byte),
	}
}

func phraseKey(provider, voice, text string) string {
	return provider + "|" + voice + "|" + text
}

// Get returns cached audio for text, synthesizing it on first use. It
// returns nil when the phrase was never synthesized successfully.
func (pc *PhraseCache) Get(ctx context.Context, providerID, voice, text string) []byte {
	provider := pc.client.SanitizeProvider(providerID)
	key := phraseKey(provider, voice, text)

	pc.mu.RLock()
	pcm, ok := pc.audio[key]
	pc.mu.RUnlock()
	if ok {
		return pcm
	}

	pcm = pc.client.SynthesizeOnce(ctx, provider, text, voice)
	if pcm == nil {
		return nil
	}
	pc.mu.Lock()
	pc.audio[key] = pcm
	pc.mu.Unlock()
	return pcm
}

// Warm synthesizes phrases ahead of need and returns how many are cached
func (pc *PhraseCache) Warm(ctx context.Context, providerID, voice string, phrases []string) int {
	n := 0
	for _, text := range phrases {
		if ctx.Err() != nil {
			break
		}
		if pc.Get(ctx, providerID, voice, text) != nil {
			n++
		}
	}
	return n
}

// Len returns the number of cached phrases
func (pc *PhraseCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.audio)
}
