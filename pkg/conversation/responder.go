package conversation

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"voicecall-engine/pkg/agent"
	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/messaging"
	"voicecall-engine/pkg/metrics"
	"voicecall-engine/pkg/telemetry/tracing"
)

// Synthesizer streams speech for a segment of text
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, providerID, text, voice string) <-chan []byte
}

// PhraseSource returns cached audio for fixed phrases, nil when unavailable
type PhraseSource interface {
	Get(ctx context.Context, providerID, voice, text string) []byte
}

// truncatedNotice closes a reply whose generation stopped part way
const truncatedNotice = "Sorry, I lost my train of thought there."

// AgentFactory builds the agent for a session on its first turn
type AgentFactory func(s *CallSession) *agent.Agent

// Responder turns caller transcripts into streamed agent speech. Each
// session runs at most one response task at a time.
type Responder struct {
	logger  *logrus.Logger
	cfg     config.ConversationConfig
	llm     llm.Client
	tts     Synthesizer
	phrases PhraseSource
	agents  AgentFactory

	retrieveLimit int

	// set by the manager
	onIdle func(s *CallSession)
	onEnd  func(s *CallSession, reason string)
}

// NewResponder creates a responder. phrases and agents may be nil.
func NewResponder(logger *logrus.Logger, cfg config.ConversationConfig, client llm.Client, tts Synthesizer, phrases PhraseSource, agents AgentFactory) *Responder {
	return &Responder{
		logger:        logger,
		cfg:           cfg,
		llm:           client,
		tts:           tts,
		phrases:       phrases,
		agents:        agents,
		retrieveLimit: 3,
	}
}

func recordState(state ResponseState) {
	metrics.RecordResponse(string(state))
}

// utterance tracks what one response task produced
type utterance struct {
	start      time.Time
	text       strings.Builder
	tokens     int
	audioBytes int
	firstAudio bool
}

// Start cancels and awaits the session's running response, then begins a
// new one for transcript. The returned channel closes when it finishes.
func (r *Responder) Start(s *CallSession, transcript string) <-chan struct{} {
	return r.launch(s, func(ctx context.Context, gen uint64) {
		r.respond(ctx, s, gen, transcript)
	})
}

// Say speaks fixed text as a response task. A non-empty endReason ends
// the call once the audio has played.
func (r *Responder) Say(s *CallSession, text, endReason string) <-chan struct{} {
	return r.launch(s, func(ctx context.Context, gen uint64) {
		r.say(ctx, s, gen, text, endReason)
	})
}

// Respond runs a response for transcript and waits for it to finish
func (r *Responder) Respond(ctx context.Context, s *CallSession, transcript string) error {
	done := r.Start(s, transcript)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Responder) launch(s *CallSession, run func(ctx context.Context, gen uint64)) <-chan struct{} {
	s.respMu.Lock()
	defer s.respMu.Unlock()

	if s.Ended() {
		done := make(chan struct{})
		close(done)
		return done
	}

	ctx, gen, done, finish := s.beginResponse()
	go func() {
		defer finish()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithFields(logrus.Fields{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("Recovered panic in response task")
				s.setState(StateIdle)
			}
		}()
		run(ctx, gen)
	}()
	return done
}

func (r *Responder) agentFor(s *CallSession) *agent.Agent {
	s.mu.Lock()
	ag := s.agent
	s.mu.Unlock()
	if ag != nil || r.agents == nil {
		return ag
	}

	built := r.agents(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		s.agent = built
	}
	return s.agent
}

func (r *Responder) respond(ctx context.Context, s *CallSession, gen uint64, transcript string) {
	ctx, span := tracing.StartSpan(ctx, "conversation.respond",
		trace.WithAttributes(
			attribute.String("call.sid", s.CallSID),
			attribute.Int("transcript.words", len(strings.Fields(transcript))),
		))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	log := s.logger.WithField("response", gen)
	s.setState(StateGenerating)
	s.cancelSilenceTimer()

	history := s.History(r.cfg.HistoryLimit)
	s.appendTurn(llm.RoleUser, transcript, false)
	// planning judges the conversation including what was just said
	heard := append(history[:len(history):len(history)], llm.Message{Role: llm.RoleUser, Content: transcript})

	out := &utterance{start: time.Now()}
	ag := r.agentFor(s)
	whole := ag != nil && s.capability("whole_reply", false)

	var decision agent.Decision
	if ag != nil {
		r.withBudget(ctx, func(ctx context.Context) {
			r.attachKnowledge(ctx, s, ag, transcript, history)
		})
		if s.capability("planning", true) {
			r.withBudget(ctx, func(ctx context.Context) {
				ag.Prepare(ctx, heard)
			})
		}
		if whole {
			decision = r.reply(ctx, s, gen, ag, transcript, history, out)
		} else {
			r.withBudget(ctx, func(ctx context.Context) {
				decision = ag.Decide(ctx, transcript, history)
			})
		}
		if decision.Tool != "" {
			s.updateStats(func(st *messaging.Stats) { st.ToolCalls++ })
		}
	} else {
		decision.Fallback = true
	}

	if ctx.Err() != nil {
		r.cancelled(s, out)
		return
	}

	var genErr error
	switch {
	case whole:
		// queued by reply
	case decision.Text != "" && !decision.Fallback:
		for _, seg := range splitSegments(decision.Text, r.cfg.FlushMinChars, r.cfg.FlushMaxChars) {
			out.tokens++
			out.text.WriteString(seg + " ")
			r.speak(ctx, s, gen, seg, out)
			if ctx.Err() != nil {
				break
			}
		}
	default:
		genErr = r.stream(ctx, s, gen, ag, transcript, history, out)
	}

	if ctx.Err() != nil {
		r.cancelled(s, out)
		return
	}

	truncated := false
	switch {
	case genErr != nil && out.tokens == 0:
		spanErr = genErr
		reason := llmFailureReason(genErr)
		log.WithError(genErr).WithField("reason", reason).Warn("Response generation failed, using fallback")
		r.fallback(ctx, s, gen, reason, out)
	case out.audioBytes == 0:
		log.Warn("Response produced no audio, using fallback")
		r.fallback(ctx, s, gen, "no_audio", out)
	case genErr != nil:
		spanErr = genErr
		truncated = true
		log.WithError(genErr).WithField("tokens", out.tokens).Warn("Response generation cut off, closing the reply")
		r.truncated(ctx, s, gen, llmFailureReason(genErr), out)
	}
	if ctx.Err() != nil {
		r.cancelled(s, out)
		return
	}

	s.appendTurn(llm.RoleAssistant, out.text.String(), truncated)
	if ag != nil {
		ag.CompleteTurn()
	}
	s.setState(StateIdle)

	endReason := ""
	switch {
	case decision.Transfer:
		endReason = "transfer"
	case decision.EndsConversation:
		endReason = firstNonEmpty(decision.Reason, "agent_ended")
	case ag != nil && ag.Ended():
		endReason = firstNonEmpty(ag.Context().String(agent.CtxEndReason), "agent_ended")
	}

	log.WithFields(logrus.Fields{
		"tokens":      out.tokens,
		"audio_bytes": out.audioBytes,
		"tool":        decision.Tool,
		"duration_ms": time.Since(out.start).Milliseconds(),
	}).Info("Response complete")

	r.finishSpeaking(s, gen, endReason)
}

// reply produces the whole answer in one executor call and queues its
// audio, synthesizing the text only when the executor returned none
func (r *Responder) reply(ctx context.Context, s *CallSession, gen uint64, ag *agent.Agent, transcript string, history []llm.Message, out *utterance) agent.Decision {
	var res agent.ActionResult
	r.withBudget(ctx, func(ctx context.Context) {
		res = ag.Reply(ctx, transcript, history)
	})

	d := agent.Decision{
		Text:             res.Text(),
		EndsConversation: res.ConversationEnded(),
	}
	if tool := res.Tool(); tool != "none" {
		d.Tool = tool
	}
	d.Transfer, _ = res.Output[agent.OutputTransfer].(bool)
	d.Reason, _ = res.Output["reason"].(string)
	if ctx.Err() != nil || d.Text == "" {
		return d
	}

	out.tokens++
	out.text.WriteString(d.Text)
	if pcm := res.Audio(); len(pcm) > 0 {
		var enc audio.OutboundEncoder
		frame := append(enc.Encode(pcm), enc.Flush()...)
		if s.enqueue(gen, frame) {
			out.audioBytes += len(frame)
			metrics.ObserveTimeToFirstAudio(time.Since(out.start))
			return d
		}
	}
	for _, seg := range splitSegments(d.Text, r.cfg.FlushMinChars, r.cfg.FlushMaxChars) {
		r.speak(ctx, s, gen, seg, out)
		if ctx.Err() != nil {
			break
		}
	}
	return d
}

// withBudget runs one pre-generation stage under its own deadline
func (r *Responder) withBudget(ctx context.Context, stage func(ctx context.Context)) {
	stageCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()
	stage(stageCtx)
}

func llmFailureReason(err error) string {
	if errors.IsErrorType(err, context.DeadlineExceeded) || errors.IsErrorType(err, errors.ErrTimeout) {
		return "llm_timeout"
	}
	return "llm_error"
}

// stream generates a free-form reply and speaks it sentence by sentence.
// The model must produce each token within LLMTimeout of the previous one
// being handled, so time spent in synthesis is not charged to the model.
func (r *Responder) stream(ctx context.Context, s *CallSession, gen uint64, ag *agent.Agent, transcript string, history []llm.Message, out *utterance) error {
	if r.llm == nil {
		return errors.NewNotConfigured("language model")
	}

	system := ""
	if ag != nil {
		system = ag.SystemPrompt()
		if step := ag.Guidance(); step != "" {
			system += "\n\nCurrent plan step: " + step
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := metrics.ObserveProviderLatency("llm", r.llm.Name())
	tokens, errs := r.llm.GenerateStream(streamCtx, transcript, history, system)
	buf := newSentenceBuffer(r.cfg.FlushMinChars, r.cfg.FlushMaxChars)

	stall := time.NewTimer(r.cfg.LLMTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			buf.Discard()
			done()
			return ctx.Err()
		case <-stall.C:
			cancel()
			done()
			if rest := buf.Flush(); rest != "" {
				r.speak(ctx, s, gen, rest, out)
			}
			return errors.NewTimeout("llm")
		case token, ok := <-tokens:
			if !ok {
				done()
				var err error
				select {
				case err = <-errs:
				case <-ctx.Done():
				}
				if ctx.Err() != nil {
					buf.Discard()
					return ctx.Err()
				}
				if rest := buf.Flush(); rest != "" {
					r.speak(ctx, s, gen, rest, out)
				}
				return err
			}
			if token == "" {
				continue
			}
			out.tokens++
			out.text.WriteString(token)
			if seg, ok := buf.Add(token); ok {
				r.speak(ctx, s, gen, seg, out)
			}
			resetTimer(stall, r.cfg.LLMTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// speak synthesizes one segment and forwards each chunk to the outbound
// queue as soon as it arrives. It reports whether any audio was queued.
func (r *Responder) speak(ctx context.Context, s *CallSession, gen uint64, text string, out *utterance) bool {
	if r.tts == nil || strings.TrimSpace(text) == "" {
		return false
	}
	s.setState(StateStreamingTTS)
	defer func() {
		if ctx.Err() == nil {
			s.setState(StateGenerating)
		}
	}()

	ttsCtx, cancel := context.WithTimeout(ctx, r.cfg.TTSTimeout)
	defer cancel()

	provider, voice := s.voice()
	chunks := r.tts.SynthesizeStream(ttsCtx, provider, text, voice)
	var enc audio.OutboundEncoder
	queued := false
	queue := func(frame []byte) {
		if len(frame) == 0 || !s.enqueue(gen, frame) {
			return
		}
		queued = true
		out.audioBytes += len(frame)
		if !out.firstAudio {
			out.firstAudio = true
			metrics.ObserveTimeToFirstAudio(time.Since(out.start))
		}
	}
	for {
		select {
		case <-ctx.Done():
			return queued
		case pcm, ok := <-chunks:
			if !ok {
				queue(enc.Flush())
				if !queued && ttsCtx.Err() != nil && ctx.Err() == nil {
					s.logger.WithField("stage", "tts").Warn("Speech synthesis timed out")
				}
				return queued
			}
			queue(enc.Encode(pcm))
		}
	}
}

// fallback says the apology, falling back to cached audio when synthesis
// fails. It always records the apology as the agent's turn.
func (r *Responder) fallback(ctx context.Context, s *CallSession, gen uint64, reason string, out *utterance) {
	metrics.RecordFallback(reason)
	s.updateStats(func(st *messaging.Stats) { st.Fallbacks++ })

	text := agent.FallbackApology
	out.text.Reset()
	out.text.WriteString(text)
	if r.speak(ctx, s, gen, text, out) {
		return
	}
	r.playCached(ctx, s, gen, text, out)
}

// truncated closes a reply cut off by the model with a short notice so
// the caller is not left mid-sentence
func (r *Responder) truncated(ctx context.Context, s *CallSession, gen uint64, reason string, out *utterance) {
	metrics.RecordFallback("truncated_" + reason)
	s.updateStats(func(st *messaging.Stats) { st.Fallbacks++ })

	out.text.WriteString(" " + truncatedNotice)
	if !r.speak(ctx, s, gen, truncatedNotice, out) {
		r.playCached(ctx, s, gen, truncatedNotice, out)
	}
}

// playCached queues a canned phrase from the phrase cache
func (r *Responder) playCached(ctx context.Context, s *CallSession, gen uint64, text string, out *utterance) bool {
	if r.phrases == nil || ctx.Err() != nil {
		return false
	}
	provider, voice := s.voice()
	pcm := r.phrases.Get(ctx, provider, voice, text)
	if pcm == nil {
		s.logger.WithField("phrase", text).Error("No audio available for fallback phrase")
		return false
	}
	frame := audio.EncodeOutboundFrame(pcm)
	if !s.enqueue(gen, frame) {
		return false
	}
	out.audioBytes += len(frame)
	return true
}

func (r *Responder) say(ctx context.Context, s *CallSession, gen uint64, text, endReason string) {
	out := &utterance{start: time.Now()}
	s.setState(StateGenerating)
	s.cancelSilenceTimer()

	for _, seg := range splitSegments(text, r.cfg.FlushMinChars, r.cfg.FlushMaxChars) {
		r.speak(ctx, s, gen, seg, out)
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() == nil && out.audioBytes == 0 {
		r.playCached(ctx, s, gen, text, out)
	}
	if ctx.Err() != nil {
		s.setState(StateCancelled)
		return
	}

	s.appendTurn(llm.RoleAssistant, text, false)
	s.setState(StateIdle)
	r.finishSpeaking(s, gen, endReason)
}

// cancelled abandons the task. Text already produced is kept as a partial
// turn so the next reply has continuity.
func (r *Responder) cancelled(s *CallSession, out *utterance) {
	s.setState(StateCancelled)
	if out.tokens > 0 {
		s.appendTurn(llm.RoleAssistant, out.text.String(), true)
	}
	s.logger.WithField("tokens", out.tokens).Debug("Response cancelled")
}

func (r *Responder) finishSpeaking(s *CallSession, gen uint64, endReason string) {
	if endReason != "" {
		if r.onEnd != nil {
			r.onEnd(s, endReason)
		}
		return
	}
	s.scheduleSpeakingReset(gen, r.cfg.SpeakingResetDelay, func() {
		if r.onIdle != nil {
			r.onIdle(s)
		}
	})
}

// attachKnowledge runs a retrieval step and stores the passages in the
// agent context. Failures leave the context empty.
func (r *Responder) attachKnowledge(ctx context.Context, s *CallSession, ag *agent.Agent, transcript string, history []llm.Message) {
	res := ag.Execute(ctx, agent.RetrieveInfo{Query: transcript, Limit: r.retrieveLimit}, history)
	if !res.Success {
		ag.Set(agent.CtxRetrievedContext, "")
		return
	}
	text, _ := res.Output[agent.OutputContext].(string)
	if text == "" {
		ag.Set(agent.CtxRetrievedContext, "")
		return
	}
	if purpose := s.Params().Purpose; purpose != "" {
		text = fmt.Sprintf("Call purpose: %s\n%s", purpose, text)
	}
	ag.Set(agent.CtxRetrievedContext, text)
	s.updateStats(func(st *messaging.Stats) { st.ActionsRun++ })
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
