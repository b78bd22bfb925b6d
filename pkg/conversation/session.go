package conversation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/agent"
	"voicecall-engine/pkg/agentconfig"
	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/messaging"
	"voicecall-engine/pkg/stt"
	"voicecall-engine/pkg/telemetry/tracing"
)

// Params are the call parameters carried by the transport start event
type Params struct {
	CallSID     string
	StreamSID   string
	CampaignID  string
	AgentID     string
	LeadID      string
	LeadName    string
	PhoneNumber string
	Goal        string
	Purpose     string
	Namespace   string
	Inbound     bool
	Custom      map[string]string
}

// ResponseState is the response generator state
type ResponseState string

const (
	StateIdle         ResponseState = "idle"
	StateGenerating   ResponseState = "generating"
	StateStreamingTTS ResponseState = "streaming_tts"
	StateCancelled    ResponseState = "cancelled"
)

// CallSession is the state of one active call. The Manager owns it.
type CallSession struct {
	CallSID   string
	StartedAt time.Time
	Outbound  *OutboundQueue

	logger    *logrus.Entry
	ctx       context.Context
	cancel    context.CancelFunc
	scope     *tracing.CallScope
	stopTimer func(reason string)
	bufferCap int

	mu               sync.Mutex
	params           Params
	profile          *agentconfig.Profile
	started          bool
	history          []messaging.Turn
	inbound          []byte
	lastAudio        time.Time
	lastSpeech       time.Time
	speaking         bool
	processing       bool
	needsGreeting    bool
	transcribing     bool
	emptyTranscripts int
	stats            messaging.Stats
	agent            *agent.Agent
	state            ResponseState
	silenceTimer     *time.Timer
	resetTimer       *time.Timer
	ended            bool
	endReason        string
	calibrator       *audio.NoiseCalibrator
	detector         *audio.BargeInDetector
	stt              *stt.StreamClient
	sttSub           *stt.Subscription

	// respMu serializes response task hand-over
	respMu     sync.Mutex
	respGen    uint64
	respCancel context.CancelFunc
	respDone   chan struct{}
	active     atomic.Int32

	clear chan struct{}
	done  chan struct{}
}

func newCallSession(callSID string, logger *logrus.Logger, bargeInFrames, bufferCap int) *CallSession {
	scope := tracing.StartCallScope(context.Background(), callSID)
	ctx, cancel := context.WithCancel(scope.Context())
	now := time.Now()
	return &CallSession{
		CallSID:    callSID,
		StartedAt:  now,
		Outbound:   NewOutboundQueue(),
		logger:     logger.WithField("call_sid", callSID),
		ctx:        ctx,
		cancel:     cancel,
		scope:      scope,
		bufferCap:  bufferCap,
		params:     Params{CallSID: callSID},
		lastAudio:  now,
		state:      StateIdle,
		calibrator: audio.NewNoiseCalibrator(),
		detector:   audio.NewBargeInDetector(bargeInFrames),
		clear:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Context is cancelled when the session ends
func (s *CallSession) Context() context.Context {
	return s.ctx
}

// Done is closed when the session ends
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

// Clear fires when audio buffered downstream must be discarded
func (s *CallSession) Clear() <-chan struct{} {
	return s.clear
}

func (s *CallSession) signalClear() {
	select {
	case s.clear <- struct{}{}:
	default:
	}
}

// Params returns a copy of the resolved call parameters
func (s *CallSession) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.params
	if s.params.Custom != nil {
		p.Custom = make(map[string]string, len(s.params.Custom))
		for k, v := range s.params.Custom {
			p.Custom[k] = v
		}
	}
	return p
}

// Profile returns the agent configuration snapshot, nil when none resolved
func (s *CallSession) Profile() *agentconfig.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// capability reports whether the agent profile enables name. Profiles
// without a capability list get def.
func (s *CallSession) capability(name string, def bool) bool {
	p := s.Profile()
	if p == nil || len(p.Capabilities) == 0 {
		return def
	}
	return p.HasCapability(name)
}

func (s *CallSession) voice() (provider, voice string) {
	p := s.Profile()
	if p == nil {
		return "", ""
	}
	return p.TTSProvider, p.Voice
}

// IsSpeaking reports whether agent audio is being produced or played
func (s *CallSession) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// IsProcessing reports whether a response task is running
func (s *CallSession) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// ResponseState returns the response generator state
func (s *CallSession) ResponseState() ResponseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(state ResponseState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		recordState(state)
	}
}

// ActiveResponses returns the number of running response tasks
func (s *CallSession) ActiveResponses() int {
	return int(s.active.Load())
}

// Ended reports whether the session was torn down
func (s *CallSession) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// EndReason returns why the session ended, empty while it is active
func (s *CallSession) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// LastAudio returns when inbound media last arrived
func (s *CallSession) LastAudio() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAudio
}

// Stats returns a snapshot of the call counters
func (s *CallSession) Stats() messaging.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *CallSession) updateStats(fn func(*messaging.Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Turns returns a copy of the conversation history
func (s *CallSession) Turns() []messaging.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Turn(nil), s.history...)
}

// History returns the last limit turns as model messages. limit <= 0
// returns everything.
func (s *CallSession) History(limit int) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.history
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

func (s *CallSession) appendTurn(role, content string, partial bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, messaging.Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Partial:   partial,
	})
	switch role {
	case llm.RoleUser:
		s.stats.UserTurns++
	case llm.RoleAssistant:
		s.stats.AgentTurns++
	}
}

// beginResponse cancels the running response task, waits for it to exit
// and registers a new one. Audio left by a cancelled task is drained.
// Callers hold respMu.
func (s *CallSession) beginResponse() (context.Context, uint64, <-chan struct{}, func()) {
	s.mu.Lock()
	prevCancel, prevDone := s.respCancel, s.respDone
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
		if s.Outbound.Drain() > 0 {
			s.signalClear()
		}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.respGen++
	gen := s.respGen
	s.respCancel = cancel
	s.respDone = done
	s.processing = true
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.mu.Unlock()
	s.active.Add(1)

	finish := func() {
		cancel()
		s.mu.Lock()
		if s.respGen == gen {
			s.respCancel = nil
			s.respDone = nil
			s.processing = false
		}
		s.mu.Unlock()
		s.active.Add(-1)
		close(done)
	}
	return ctx, gen, done, finish
}

// cancelResponse stops the running response task and waits for it
func (s *CallSession) cancelResponse() bool {
	s.respMu.Lock()
	defer s.respMu.Unlock()

	s.mu.Lock()
	cancel, done := s.respCancel, s.respDone
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// enqueue pushes audio produced by response gen, marking the agent as
// speaking. Audio from a superseded task is dropped.
func (s *CallSession) enqueue(gen uint64, frame []byte) bool {
	s.mu.Lock()
	if s.respGen != gen || s.ended {
		s.mu.Unlock()
		return false
	}
	s.speaking = true
	s.mu.Unlock()
	s.Outbound.Push(frame)
	return true
}

// scheduleSpeakingReset clears the speaking flag after delay once the
// outbound queue has played out, unless a newer response started.
func (s *CallSession) scheduleSpeakingReset(gen uint64, delay time.Duration, onIdle func()) {
	var fire func()
	fire = func() {
		s.mu.Lock()
		if s.respGen != gen || s.ended {
			s.mu.Unlock()
			return
		}
		if s.Outbound.Len() > 0 {
			s.resetTimer = time.AfterFunc(delay, fire)
			s.mu.Unlock()
			return
		}
		s.speaking = false
		s.resetTimer = nil
		s.mu.Unlock()
		s.detector.Reset()
		if onIdle != nil {
			onIdle()
		}
	}

	s.mu.Lock()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
	}
	s.resetTimer = time.AfterFunc(delay, fire)
	s.mu.Unlock()
}

// stopSpeaking drains queued audio and clears the speaking flag
func (s *CallSession) stopSpeaking() int {
	drained := s.Outbound.Drain()
	s.mu.Lock()
	s.speaking = false
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.mu.Unlock()
	s.detector.Reset()
	return drained
}

func (s *CallSession) armSilenceTimer(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.silenceTimer = time.AfterFunc(d, fn)
}

func (s *CallSession) cancelSilenceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
}

// noteEmpty counts a failed transcription and returns the running total
func (s *CallSession) noteEmpty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyTranscripts++
	return s.emptyTranscripts
}

func (s *CallSession) resetEmpty() {
	s.mu.Lock()
	s.emptyTranscripts = 0
	s.mu.Unlock()
}

func (s *CallSession) takeGreeting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.needsGreeting {
		return false
	}
	s.needsGreeting = false
	return true
}

func (s *CallSession) streamClient() *stt.StreamClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stt
}

// observeFrame feeds one inbound frame to the calibrator and barge-in
// detector and reports whether the caller is talking over the agent.
func (s *CallSession) observeFrame(energy float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAudio = time.Now()
	s.stats.InboundFrames++
	s.calibrator.AddSample(energy, s.speaking)
	return s.detector.Observe(energy, s.calibrator.BargeInThreshold(), s.speaking)
}

// bufferSpeech appends decoded speech, keeping at most bufferCap bytes
func (s *CallSession) bufferSpeech(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpeech = time.Now()
	s.inbound = append(s.inbound, pcm...)
	if s.bufferCap > 0 && len(s.inbound) > s.bufferCap {
		s.inbound = append([]byte(nil), s.inbound[len(s.inbound)-s.bufferCap:]...)
	}
}

// takeUtterance returns the buffered speech once silence has lasted at
// least gap, and clears the buffer.
func (s *CallSession) takeUtterance(gap time.Duration) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbound) == 0 || s.transcribing || time.Since(s.lastSpeech) < gap {
		return nil
	}
	pcm := s.inbound
	s.inbound = nil
	s.transcribing = true
	return pcm
}

func (s *CallSession) doneTranscribing() {
	s.mu.Lock()
	s.transcribing = false
	s.mu.Unlock()
}

func (s *CallSession) dropInbound() {
	s.mu.Lock()
	s.inbound = nil
	s.mu.Unlock()
}

// BufferedBytes returns the size of the inbound utterance buffer
func (s *CallSession) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}
