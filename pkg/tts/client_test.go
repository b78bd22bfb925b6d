package tts

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"voicecall-engine/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name   string
	chunks [][]byte
	err    error
	calls  atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	ch, err := f.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	return collect(ch), nil
}

func (f *fakeProvider) SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan []byte, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newClient(providers ...Provider) *StreamClient {
	client := NewStreamClient(quietLogger(), "elevenlabs", []string{"elevenlabs", "openai", "deepgram"}, nil)
	for _, p := range providers {
		client.Register(p)
	}
	return client
}

func TestSanitizeProvider(t *testing.T) {
	client := newClient(
		&fakeProvider{name: "elevenlabs"},
		&fakeProvider{name: "openai"},
		&fakeProvider{name: "rogue"},
	)

	tests := []struct {
		in   string
		want string
	}{
		{"openai", "openai"},
		{" OpenAI ", "openai"},
		{"elevenlabs", "elevenlabs"},
		{"", "elevenlabs"},
		{"polly", "elevenlabs"},
		{"rogue", "elevenlabs"},
		{"deepgram", "elevenlabs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, client.SanitizeProvider(tt.in), tt.in)
	}
}

func TestSanitizeProviderWithoutDefaultRegistered(t *testing.T) {
	client := newClient(&fakeProvider{name: "deepgram"})
	assert.Equal(t, "deepgram", client.SanitizeProvider("unknown"))
}

func TestSynthesizeStreamYieldsChunksInOrder(t *testing.T) {
	client := newClient(&fakeProvider{name: "openai", chunks: [][]byte{{1, 2}, {3, 4}}})

	var got [][]byte
	for chunk := range client.SynthesizeStream(context.Background(), "openai", "Hello there.", "") {
		got = append(got, chunk)
	}
	assert.Equal(t, [][]byte{{1, 2}, {3, 4}}, got)
}

func TestSynthesisFailureIsSilent(t *testing.T) {
	failing := &fakeProvider{name: "elevenlabs", err: errors.New("vendor down")}
	client := newClient(failing)

	ch := client.SynthesizeStream(context.Background(), "elevenlabs", "Hello", "")
	require.NotNil(t, ch)
	_, open := <-ch
	assert.False(t, open)

	assert.Nil(t, client.SynthesizeOnce(context.Background(), "elevenlabs", "Hello", ""))

	empty := client.SynthesizeStream(context.Background(), "elevenlabs", "   ", "")
	_, open = <-empty
	assert.False(t, open)
	assert.Equal(t, int32(2), failing.calls.Load(), "blank text never reaches the provider")
}

func TestNoProvidersRegistered(t *testing.T) {
	client := newClient()
	_, open := <-client.SynthesizeStream(context.Background(), "openai", "Hello", "")
	assert.False(t, open)
	assert.Nil(t, client.SynthesizeOnce(context.Background(), "openai", "Hello", ""))
}

func TestBreakerStopsCallingFailingProvider(t *testing.T) {
	failing := &fakeProvider{name: "elevenlabs", err: errors.New("vendor down")}
	client := NewStreamClient(quietLogger(), "elevenlabs", []string{"elevenlabs"},
		circuitbreaker.NewManager(quietLogger(), nil))
	client.Register(failing)

	threshold := circuitbreaker.TTSConfig().FailureThreshold
	for i := 0; i < threshold+3; i++ {
		assert.Nil(t, client.SynthesizeOnce(context.Background(), "elevenlabs", "Hello", ""))
	}
	assert.Equal(t, int32(threshold), failing.calls.Load())
}

func TestPhraseCache(t *testing.T) {
	provider := &fakeProvider{name: "elevenlabs", chunks: [][]byte{{9, 9}}}
	cache := NewPhraseCache(newClient(provider))

	assert.Equal(t, 2, cache.Warm(context.Background(), "", "", []string{"One moment.", "Sorry?"}))
	assert.Equal(t, []byte{9, 9}, cache.Get(context.Background(), "elevenlabs", "", "One moment."))
	assert.Equal(t, int32(2), provider.calls.Load())
	assert.Equal(t, 2, cache.Len())

	provider.err = errors.New("vendor down")
	assert.Equal(t, []byte{9, 9}, cache.Get(context.Background(), "unknown", "", "Sorry?"))
	assert.Nil(t, cache.Get(context.Background(), "elevenlabs", "", "Never cached"))
}

func TestSampleAligner(t *testing.T) {
	var a sampleAligner
	assert.Equal(t, []byte{1, 2}, a.align([]byte{1, 2, 3}))
	assert.Equal(t, []byte{3, 4, 5, 6}, a.align([]byte{4, 5, 6}))
	assert.Empty(t, a.align([]byte{7}))
	assert.Equal(t, []byte{7, 8}, a.align([]byte{8}))
}
