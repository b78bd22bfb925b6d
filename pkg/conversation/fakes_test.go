package conversation

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/messaging"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		Media: config.MediaConfig{
			OutboundChunkBytes: 3200,
			OutboundPacing:     10 * time.Millisecond,
			KeepaliveInterval:  10 * time.Second,
			IdleTimeout:        time.Minute,
			InboundBufferCap:   160000,
			SilenceTimeout:     0,
			UtteranceSilence:   10 * time.Millisecond,
			BargeInFrames:      20,
		},
		Conversation: config.ConversationConfig{
			STTTimeout:          time.Second,
			LLMTimeout:          5 * time.Second,
			TTSTimeout:          time.Second,
			FlushMinChars:       30,
			FlushMaxChars:       200,
			SpeakingResetDelay:  20 * time.Millisecond,
			MaxEmptyTranscripts: 3,
			MinWords:            2,
			MinConfidence:       0.8,
			UseTools:            true,
			HistoryLimit:        20,
		},
		Agent: config.AgentConfig{
			MaxPlanSteps: 5,
			DefaultGoal:  "qualify the lead",
			CompanyName:  "Acme",
		},
	}
}

// streamLLM streams tokens once released, then reports err if set. Tool
// calling is unsupported so every turn goes through GenerateStream.
type streamLLM struct {
	tokens  []string
	err     error
	plan    string
	hold    bool
	release chan struct{}

	streams atomic.Int32
	active  atomic.Int32

	mu      sync.Mutex
	prompts []string
}

func newStreamLLM(hold bool, tokens ...string) *streamLLM {
	return &streamLLM{tokens: tokens, hold: hold, release: make(chan struct{})}
}

func (f *streamLLM) Name() string { return "fake" }

func (f *streamLLM) Generate(ctx context.Context, prompt string, history []llm.Message, system string) (string, error) {
	if f.plan != "" {
		return f.plan, nil
	}
	return "1. SPEAK: Ask how they are\n2. LISTEN: answer", nil
}

func (f *streamLLM) GenerateStream(ctx context.Context, prompt string, history []llm.Message, system string) (<-chan string, <-chan error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	f.streams.Add(1)
	f.active.Add(1)

	tokens := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(tokens)
		defer f.active.Add(-1)
		if f.hold {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-f.release:
			}
		}
		for _, t := range f.tokens {
			select {
			case tokens <- t:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return tokens, errs
}

func (f *streamLLM) GenerateWithTools(ctx context.Context, prompt, system string, tools []llm.ToolSchema) (*llm.ToolResponse, error) {
	return nil, llm.ErrToolsUnsupported
}

func (f *streamLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// fakeSynth returns one tone chunk per segment. With block set it keeps
// the stream open until the context ends.
type fakeSynth struct {
	block  bool
	silent bool

	mu    sync.Mutex
	texts []string
}

func (f *fakeSynth) SynthesizeStream(ctx context.Context, providerID, text, voice string) <-chan []byte {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()

	out := make(chan []byte, 1)
	if f.silent {
		close(out)
		return out
	}
	out <- tone(audio.PipelineSampleRate, 40*time.Millisecond, 4000)
	if !f.block {
		close(out)
		return out
	}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakePhrases struct {
	hits atomic.Int32
}

func (f *fakePhrases) Get(ctx context.Context, providerID, voice, text string) []byte {
	f.hits.Add(1)
	return tone(audio.PipelineSampleRate, 20*time.Millisecond, 2000)
}

type fakeExporter struct {
	mu      sync.Mutex
	records []*messaging.ConversationRecord
}

func (f *fakeExporter) Export(ctx context.Context, rec *messaging.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeExporter) all() []*messaging.ConversationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*messaging.ConversationRecord(nil), f.records...)
}

type fakeBatch struct {
	text  string
	calls atomic.Int32
	bytes atomic.Int64
}

func (f *fakeBatch) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	f.calls.Add(1)
	f.bytes.Add(int64(len(pcm)))
	return f.text, nil
}

// tone is a 440 Hz sine as 16-bit little-endian PCM
func tone(rate int, d time.Duration, amplitude float64) []byte {
	n := int(d.Seconds() * float64(rate))
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// loudFrame is one 20 ms transport frame of speech-level audio
func loudFrame() []byte {
	return audio.PCMToMuLaw(tone(audio.NativeSampleRate, audio.FrameDuration, 8000))
}
