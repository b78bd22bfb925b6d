package tts

import (
	"context"
	"errors"
	"io"

	"voicecall-engine/pkg/audio"

	"github.com/sirupsen/logrus"
)

// OutputSampleRate is the PCM rate every provider yields
const OutputSampleRate = audio.PipelineSampleRate

var (
	ErrEmptyText     = errors.New("tts text is empty")
	ErrNotConfigured = errors.New("tts provider not configured")
)

// Provider synthesizes 16-bit little endian PCM at OutputSampleRate
type Provider interface {
	Name() string

	// Synthesize returns the whole utterance
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)

	// SynthesizeStream returns a channel of audio chunks that is closed when
	// synthesis ends, fails, or ctx is cancelled. Setup failures are returned
	// directly.
	SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error)
}

// collect drains a chunk channel into one buffer
func collect(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// sampleAligner holds back a trailing odd byte so chunks never split a sample
type sampleAligner struct {
	carry []byte
}

func (a *sampleAligner) align(chunk []byte) []byte {
	if len(a.carry) > 0 {
		chunk = append(a.carry, chunk...)
		a.carry = nil
	}
	if len(chunk)%2 == 1 {
		a.carry = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	return chunk
}

// streamBody forwards an HTTP response body as aligned PCM chunks, resampling
// from fromRate when the provider cannot produce OutputSampleRate itself.
func streamBody(ctx context.Context, logger *logrus.Entry, body io.ReadCloser, out chan<- []byte, fromRate int) {
	defer close(out)
	defer body.Close()

	var aligner sampleAligner
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := aligner.align(append([]byte(nil), buf[:n]...))
			if fromRate != OutputSampleRate {
				chunk = audio.ResamplePCM(chunk, fromRate, OutputSampleRate)
			}
			if len(chunk) > 0 {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.WithError(err).Warn("TTS stream ended with error")
			}
			return
		}
	}
}
