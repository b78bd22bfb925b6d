package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"voicecall-engine/pkg/agent"
	"voicecall-engine/pkg/agentconfig"
	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/leads"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/messaging"
	"voicecall-engine/pkg/metrics"
	"voicecall-engine/pkg/stt"
)

// Reasons a session ends
const (
	EndReasonStop        = "stop"
	EndReasonIdle        = "idle_timeout"
	EndReasonShutdown    = "shutdown"
	EndReasonTransfer    = "transfer"
	EndReasonNoInput     = "no_input"
	EndReasonDisconnect  = "transport_disconnect"
	defaultDrainDeadline = 15 * time.Second

	// endedRetention is how long an ended call id keeps late media from
	// recreating its session
	endedRetention = 2 * time.Minute
)

// repromptLadder is walked on consecutive failed transcriptions. The last
// rung offers a transfer and ends the call.
var repromptLadder = []string{
	"Sorry, I didn't catch that. Could you repeat it?",
	"Could you say that again?",
	"I'm having trouble hearing you. Let me connect you with someone from our team.",
}

// FixedPhrases are synthesized ahead of time for the phrase cache
func FixedPhrases() []string {
	return append([]string{agent.FallbackApology, truncatedNotice}, repromptLadder...)
}

// CampaignSource resolves the authoritative campaign and lead records
type CampaignSource interface {
	GetCampaign(ctx context.Context, id string) (*leads.Campaign, error)
	GetLead(ctx context.Context, id string) (*leads.Lead, error)
}

// ProfileSource resolves agent configurations
type ProfileSource interface {
	Get(id string) (*agentconfig.Profile, bool)
}

// Exporter receives finished conversations
type Exporter interface {
	Export(ctx context.Context, rec *messaging.ConversationRecord) error
}

// Dependencies are the collaborators of the manager. Anything but the LLM
// and synthesizer may be nil.
type Dependencies struct {
	LLM          llm.Client
	Synthesizer  Synthesizer
	Phrases      PhraseSource
	Transports   []stt.Transport
	Batch        stt.BatchTranscriber
	Executor     *agent.Executor
	Campaigns    CampaignSource
	Profiles     ProfileSource
	Transfers    agent.TransferRequester
	Exporter     Exporter
	StreamConfig stt.StreamConfig
}

// Manager is the registry of active call sessions
type Manager struct {
	logger    *logrus.Logger
	cfg       *config.Config
	deps      Dependencies
	responder *Responder

	mu       sync.RWMutex
	sessions map[string]*CallSession
	ended    map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates the session registry
func NewManager(logger *logrus.Logger, cfg *config.Config, deps Dependencies) *Manager {
	m := &Manager{
		logger:   logger,
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*CallSession),
		ended:    make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	m.responder = NewResponder(logger, cfg.Conversation, deps.LLM, deps.Synthesizer, deps.Phrases, m.buildAgent)
	if cfg.RAG.Limit > 0 {
		m.responder.retrieveLimit = cfg.RAG.Limit
	}
	m.responder.onIdle = m.armSilence
	m.responder.onEnd = m.finishCall
	return m
}

// Responder returns the response generator used by the manager
func (m *Manager) Responder() *Responder {
	return m.responder
}

// Run starts the idle reaper and blocks until ctx is done or Shutdown
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.Media.IdleTimeout / 4
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.pruneEnded(time.Now())
	if m.cfg.Media.IdleTimeout <= 0 {
		return
	}
	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if time.Since(s.LastAudio()) > m.cfg.Media.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.WithField("call_sid", id).Warn("No media received within idle timeout, ending session")
		m.EndSession(id, EndReasonIdle)
	}
}

// GetOrCreate returns the session for callSID, creating a bare one when
// media arrives before the start event.
func (m *Manager) GetOrCreate(callSID string) *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[callSID]; ok {
		return s
	}
	s := newCallSession(callSID, m.logger, m.cfg.Media.BargeInFrames, m.cfg.Media.InboundBufferCap)
	s.stopTimer = metrics.StartCallTimer()
	m.sessions[callSID] = s
	s.logger.Debug("Call session created")
	return s
}

// active returns the session for callSID unless the call already ended.
// Media for a call that has not started yet still creates its session.
func (m *Manager) active(callSID string) (*CallSession, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callSID]
	_, ended := m.ended[callSID]
	m.mu.RUnlock()
	if ok {
		return s, true
	}
	if ended {
		return nil, false
	}
	return m.GetOrCreate(callSID), true
}

// Ended reports whether callSID belongs to a recently ended call
func (m *Manager) Ended(callSID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ended[callSID]
	return ok
}

func (m *Manager) pruneEnded(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, at := range m.ended {
		if now.Sub(at) > endedRetention {
			delete(m.ended, id)
			pruned++
		}
	}
	return pruned
}

// Get returns an active session
func (m *Manager) Get(callSID string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callSID]
	return s, ok
}

// ActiveCount returns the number of active sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartSession applies the start parameters, connects recognition and
// greets the caller. A repeated start for the same call is ignored.
func (m *Manager) StartSession(ctx context.Context, p Params) (*CallSession, error) {
	if strings.TrimSpace(p.CallSID) == "" {
		return nil, errors.NewInvalidInput("call sid is required")
	}
	if m.Ended(p.CallSID) {
		return nil, errors.Wrap(errors.ErrSessionClosed, "call already ended")
	}
	s := m.GetOrCreate(p.CallSID)

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s, nil
	}
	s.started = true
	s.mu.Unlock()

	p, profile := m.resolve(ctx, p)
	s.mu.Lock()
	s.params = p
	s.profile = profile
	s.needsGreeting = true
	s.mu.Unlock()

	s.scope.SetAttributes(
		attribute.String("call.campaign_id", p.CampaignID),
		attribute.String("call.agent_id", p.AgentID),
		attribute.Bool("call.inbound", p.Inbound),
	)
	s.logger.WithFields(logrus.Fields{
		"stream_sid":  p.StreamSID,
		"campaign_id": p.CampaignID,
		"agent_id":    p.AgentID,
		"lead_id":     p.LeadID,
		"inbound":     p.Inbound,
	}).Info("Call session started")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectSTT(s)
	}()

	if s.takeGreeting() {
		m.responder.Say(s, m.greeting(s), "")
	}
	return s, nil
}

// resolve fills blanks from the lead record and, for inbound calls,
// overrides the transport's parameters with the campaign's.
func (m *Manager) resolve(ctx context.Context, p Params) (Params, *agentconfig.Profile) {
	log := m.logger.WithField("call_sid", p.CallSID)
	if m.deps.Campaigns != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if p.CampaignID != "" {
			campaign, err := m.deps.Campaigns.GetCampaign(lookupCtx, p.CampaignID)
			switch {
			case err == nil && p.Inbound:
				p.AgentID = firstNonEmpty(campaign.AgentID, p.AgentID)
				p.Goal = firstNonEmpty(campaign.Goal, p.Goal)
				p.Namespace = firstNonEmpty(campaign.Namespace, p.Namespace)
				p.Purpose = firstNonEmpty(campaign.Purpose, p.Purpose)
				log.WithField("campaign_id", campaign.ID).Info("Inbound parameters resolved from campaign")
			case err == nil:
				p.AgentID = firstNonEmpty(p.AgentID, campaign.AgentID)
				p.Goal = firstNonEmpty(p.Goal, campaign.Goal)
				p.Namespace = firstNonEmpty(p.Namespace, campaign.Namespace)
				p.Purpose = firstNonEmpty(p.Purpose, campaign.Purpose)
			default:
				log.WithError(err).WithField("campaign_id", p.CampaignID).Warn("Campaign lookup failed, using start parameters")
			}
		}
		if p.LeadID != "" {
			lead, err := m.deps.Campaigns.GetLead(lookupCtx, p.LeadID)
			if err == nil {
				p.LeadName = firstNonEmpty(p.LeadName, lead.Name)
				p.PhoneNumber = firstNonEmpty(p.PhoneNumber, lead.PhoneNumber)
				p.Purpose = firstNonEmpty(p.Purpose, lead.Purpose)
			} else {
				log.WithError(err).WithField("lead_id", p.LeadID).Debug("Lead lookup failed")
			}
		}
	}

	var profile *agentconfig.Profile
	if m.deps.Profiles != nil && p.AgentID != "" {
		if found, ok := m.deps.Profiles.Get(p.AgentID); ok {
			profile = found
			p.Goal = firstNonEmpty(p.Goal, found.Goal)
			p.Namespace = firstNonEmpty(p.Namespace, found.Namespace)
		} else {
			log.WithField("agent_id", p.AgentID).Warn("Agent configuration not found, using generic persona")
		}
	}
	p.Goal = firstNonEmpty(p.Goal, m.cfg.Agent.DefaultGoal)
	return p, profile
}

func (m *Manager) greeting(s *CallSession) string {
	p := s.Params()
	profile := s.Profile()
	company := m.cfg.Agent.CompanyName
	name := ""
	if profile != nil {
		company = firstNonEmpty(profile.CompanyName, company)
		name = profile.Name
		if profile.Greeting != "" {
			return strings.NewReplacer(
				"{lead_name}", p.LeadName,
				"{agent_name}", name,
				"{company}", company,
			).Replace(profile.Greeting)
		}
	}

	var b strings.Builder
	b.WriteString("Hi")
	if p.LeadName != "" {
		b.WriteString(" " + p.LeadName)
	}
	b.WriteString(", this is ")
	b.WriteString(firstNonEmpty(name, "your assistant"))
	if company != "" {
		b.WriteString(" from " + company)
	}
	b.WriteString(". How can I help you today?")
	return b.String()
}

// buildAgent creates the agent for a session from its resolved parameters
func (m *Manager) buildAgent(s *CallSession) *agent.Agent {
	p := s.Params()
	profile := s.Profile()

	sc := agent.SessionContext{
		agent.CtxCallSID:     p.CallSID,
		agent.CtxCampaignID:  p.CampaignID,
		agent.CtxLeadID:      p.LeadID,
		agent.CtxLeadName:    p.LeadName,
		agent.CtxPhoneNumber: p.PhoneNumber,
		agent.CtxNamespace:   p.Namespace,
		agent.CtxPurpose:     p.Purpose,
		agent.CtxCompanyName: m.cfg.Agent.CompanyName,
		agent.CtxPersonality: m.cfg.Agent.Personality,
	}
	maxSteps := m.cfg.Agent.MaxPlanSteps
	useTools := m.cfg.Conversation.UseTools
	if profile != nil {
		sc[agent.CtxAgentName] = profile.Name
		if profile.CompanyName != "" {
			sc[agent.CtxCompanyName] = profile.CompanyName
		}
		if profile.Personality != "" {
			sc[agent.CtxPersonality] = profile.Personality
		}
		sc[agent.CtxTone] = profile.Tone
		sc[agent.CtxSystemPrompt] = profile.SystemPrompt
		sc[agent.CtxTTSProvider] = profile.TTSProvider
		sc[agent.CtxVoice] = profile.Voice
		if profile.MaxSteps > 0 {
			maxSteps = profile.MaxSteps
		}
		useTools = useTools && profile.ToolsEnabled()
	}

	planner := agent.NewPlanner(m.logger, m.deps.LLM, maxSteps)
	executor := m.deps.Executor
	if executor == nil {
		executor = agent.NewExecutor(m.logger, m.deps.LLM, agent.Collaborators{})
	}
	ag := agent.New(planner, executor, p.Goal, sc, useTools)
	s.logger.WithFields(logrus.Fields{
		"agent_id":  ag.ID,
		"goal":      p.Goal,
		"use_tools": useTools,
	}).Debug("Agent created for call")
	return ag
}

func (m *Manager) transportFor(s *CallSession) stt.Transport {
	if len(m.deps.Transports) == 0 {
		return nil
	}
	if profile := s.Profile(); profile != nil && profile.STTProvider != "" {
		for _, t := range m.deps.Transports {
			if strings.EqualFold(t.Name(), profile.STTProvider) {
				return t
			}
		}
	}
	return m.deps.Transports[0]
}

// connectSTT opens the streaming recognizer. Without one the call runs on
// batch transcription of buffered utterances.
func (m *Manager) connectSTT(s *CallSession) {
	transport := m.transportFor(s)
	if transport == nil {
		s.logger.Info("No streaming STT configured, using batch transcription")
		return
	}

	callSID := s.CallSID
	client := stt.NewStreamClient(callSID, transport, m.deps.StreamConfig, m.logger)
	ctx, cancel := context.WithTimeout(s.Context(), m.cfg.Conversation.STTTimeout)
	defer cancel()

	// handlers run on the client's receive loop and must not block it
	sub, ok := client.Connect(ctx, stt.Handlers{
		Final:   func(ev stt.TranscriptEvent) { go m.HandleTranscript(callSID, ev) },
		Interim: func(ev stt.TranscriptEvent) { go m.HandleInterim(callSID, ev) },
	})
	if !ok {
		s.logger.Warn("Streaming STT unavailable, using batch transcription")
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.stt = client
	s.sttSub = sub
	s.mu.Unlock()
}

// HandleInboundAudio feeds one transport mu-law frame through calibration,
// barge-in detection, buffering and recognition.
func (m *Manager) HandleInboundAudio(callSID string, muLaw []byte) {
	s, ok := m.active(callSID)
	if !ok {
		metrics.RecordMediaFrame("inbound_late")
		return
	}
	metrics.RecordMediaFrame("inbound")

	if s.observeFrame(audio.RMSEnergyMuLaw(muLaw)) {
		s.logger.Info("Barge-in detected from caller audio")
		go m.BargeIn(callSID)
	}

	pcm := audio.DecodeInboundFrame(muLaw)
	client := s.streamClient()

	if pcm != nil && audio.HasSpeech(pcm, s.calibrator.VADThreshold()) {
		s.cancelSilenceTimer()
		if client != nil && client.Connected() {
			client.Push(pcm)
			return
		}
		s.bufferSpeech(pcm)
		return
	}

	if client != nil && client.Connected() {
		s.dropInbound()
		return
	}
	if utterance := s.takeUtterance(m.cfg.Media.UtteranceSilence); utterance != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.transcribeBatch(s, utterance)
		}()
	}
}

func (m *Manager) transcribeBatch(s *CallSession, pcm []byte) {
	defer s.doneTranscribing()
	if m.deps.Batch == nil {
		s.logger.Debug("No batch transcriber configured, dropping utterance")
		return
	}

	ctx, cancel := context.WithTimeout(s.Context(), m.cfg.Conversation.STTTimeout)
	defer cancel()

	done := metrics.ObserveProviderLatency("stt", "batch")
	text, err := m.deps.Batch.Transcribe(ctx, pcm, audio.PipelineSampleRate)
	done()
	if s.Ended() {
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Batch transcription failed")
		m.emptyTranscript(s)
		return
	}
	m.HandleTranscript(s.CallSID, stt.TranscriptEvent{
		Text:       text,
		IsFinal:    true,
		Confidence: 1.0,
		Provider:   "batch",
		ReceivedAt: time.Now(),
	})
}

// HandleTranscript gates a final transcript and starts a response for it
func (m *Manager) HandleTranscript(callSID string, ev stt.TranscriptEvent) {
	s, ok := m.Get(callSID)
	if !ok || s.Ended() {
		return
	}
	log := s.logger.WithFields(logrus.Fields{
		"provider":   ev.Provider,
		"confidence": ev.Confidence,
		"words":      ev.WordCount(),
	})

	if !ev.IsFinal {
		m.HandleInterim(callSID, ev)
		return
	}
	switch {
	case strings.TrimSpace(ev.Text) == "":
		metrics.RecordTranscript(ev.Provider, "empty")
		log.Debug("Empty final transcript")
		m.emptyTranscript(s)
		return
	case ev.Confidence < stt.MinForwardConfidence:
		metrics.RecordTranscript(ev.Provider, "dropped")
		log.Debug("Final transcript below forwarding floor, dropped")
		return
	case ev.Confidence < m.cfg.Conversation.MinConfidence:
		// heard but not trusted: only good enough to interrupt the agent
		metrics.RecordTranscript(ev.Provider, "low_confidence")
		log.Debug("Final transcript below confidence, used for barge-in only")
		m.HandleInterim(callSID, ev)
		return
	}
	if ev.WordCount() < m.cfg.Conversation.MinWords {
		metrics.RecordTranscript(ev.Provider, "too_short")
		log.Debug("Final transcript too short, ignored")
		return
	}

	metrics.RecordTranscript(ev.Provider, "accepted")
	s.resetEmpty()
	s.cancelSilenceTimer()
	log.WithField("text", ev.Text).Info("Caller transcript accepted")
	m.responder.Start(s, ev.Text)
}

// HandleInterim uses a partial transcript only to detect the caller
// talking over the agent.
func (m *Manager) HandleInterim(callSID string, ev stt.TranscriptEvent) {
	s, ok := m.Get(callSID)
	if !ok || s.Ended() {
		return
	}
	if ev.Confidence < stt.MinForwardConfidence || ev.WordCount() < m.cfg.Conversation.MinWords {
		return
	}
	s.cancelSilenceTimer()
	if s.IsSpeaking() {
		s.logger.WithField("text", ev.Text).Info("Barge-in detected from interim transcript")
		m.BargeIn(callSID)
	}
}

// BargeIn cancels the running response, drops queued audio and tells the
// transport to clear what it has buffered.
func (m *Manager) BargeIn(callSID string) bool {
	s, ok := m.Get(callSID)
	if !ok {
		return false
	}
	cancelled := s.cancelResponse()
	drained := s.stopSpeaking()
	s.signalClear()
	s.updateStats(func(st *messaging.Stats) { st.BargeIns++ })
	metrics.RecordBargeIn()

	s.logger.WithFields(logrus.Fields{
		"cancelled": cancelled,
		"drained":   drained,
	}).Info("Barge-in handled")
	return true
}

// emptyTranscript walks the reprompt ladder
func (m *Manager) emptyTranscript(s *CallSession) {
	n := s.noteEmpty()
	limit := m.cfg.Conversation.MaxEmptyTranscripts
	if limit <= 0 {
		limit = len(repromptLadder)
	}
	m.reprompt(s, n, limit)
}

// armSilence starts the no-input timer after the agent stops speaking
func (m *Manager) armSilence(s *CallSession) {
	limit := m.cfg.Conversation.MaxEmptyTranscripts
	if limit <= 0 {
		limit = len(repromptLadder)
	}
	s.armSilenceTimer(m.cfg.Media.SilenceTimeout, func() {
		if s.Ended() || s.IsProcessing() {
			return
		}
		s.logger.Debug("Caller silent after agent turn")
		m.reprompt(s, s.noteEmpty(), limit)
	})
}

func (m *Manager) reprompt(s *CallSession, n, limit int) {
	if s.Ended() {
		return
	}
	s.updateStats(func(st *messaging.Stats) { st.Reprompts++ })
	metrics.RecordFallback("reprompt")

	if n < limit {
		rung := n - 1
		if rung >= len(repromptLadder)-1 {
			rung = len(repromptLadder) - 2
		}
		s.logger.WithField("attempt", n).Info("Reprompting caller")
		m.responder.Say(s, repromptLadder[rung], "")
		return
	}

	s.logger.WithField("attempt", n).Warn("Reprompts exhausted, requesting transfer")
	m.requestTransfer(s, "no usable caller input")
	m.responder.Say(s, repromptLadder[len(repromptLadder)-1], EndReasonTransfer)
}

func (m *Manager) requestTransfer(s *CallSession, reason string) {
	if m.deps.Transfers == nil {
		return
	}
	p := s.Params()
	ctx, cancel := context.WithTimeout(s.Context(), 2*time.Second)
	defer cancel()
	err := m.deps.Transfers.RequestTransfer(ctx, leads.TransferRequest{
		CallSID:     p.CallSID,
		LeadID:      p.LeadID,
		CampaignID:  p.CampaignID,
		Reason:      reason,
		Urgency:     "high",
		RequestedAt: time.Now(),
	})
	if err != nil {
		s.logger.WithError(err).Warn("Transfer request failed")
	}
}

// finishCall ends the session after its queued audio has played
func (m *Manager) finishCall(s *CallSession, reason string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		deadline := time.NewTimer(defaultDrainDeadline)
		defer deadline.Stop()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for s.Outbound.Len() > 0 {
			select {
			case <-s.Done():
				return
			case <-deadline.C:
				m.EndSession(s.CallSID, reason)
				return
			case <-ticker.C:
			}
		}
		m.EndSession(s.CallSID, reason)
	}()
}

// EndSession tears the session down and exports its history. It is safe
// to call more than once.
func (m *Manager) EndSession(callSID, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[callSID]
	if ok {
		delete(m.sessions, callSID)
		m.ended[callSID] = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.respMu.Lock()
	s.mu.Lock()
	s.ended = true
	s.endReason = reason
	sub := s.sttSub
	s.sttSub = nil
	s.stt = nil
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	if s.resetTimer != nil {
		s.resetTimer.Stop()
	}
	cancel, done := s.respCancel, s.respDone
	s.mu.Unlock()
	s.respMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	sub.Unsubscribe()
	s.Outbound.Drain()

	m.learn(s, reason)
	rec := m.record(s, reason)
	s.cancel()
	close(s.done)

	if m.deps.Exporter != nil {
		exportCtx, exportCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.deps.Exporter.Export(exportCtx, rec); err != nil {
			s.logger.WithError(err).Warn("Conversation export failed")
		}
		exportCancel()
	}

	if s.stopTimer != nil {
		s.stopTimer(reason)
	}
	s.scope.End(reason, nil)
	s.logger.WithFields(logrus.Fields{
		"reason":   reason,
		"duration": time.Since(s.StartedAt).Round(time.Millisecond).String(),
		"turns":    len(rec.Turns),
	}).Info("Call session ended")
	return true
}

// learn records the call outcome and a memory of the caller when the agent
// profile enables it.
func (m *Manager) learn(s *CallSession, reason string) {
	s.mu.Lock()
	ag := s.agent
	s.mu.Unlock()
	if ag == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	history := s.History(0)

	if s.capability("learning", false) {
		progress := ag.Progress(history)
		ag.Execute(ctx, agent.Learn{
			Pattern: ag.Goal(),
			Outcome: reason,
			Success: progress >= 0.8,
		}, history)
		s.updateStats(func(st *messaging.Stats) { st.ActionsRun++ })
	}
	if s.capability("memory", false) {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role != llm.RoleUser {
				continue
			}
			ag.Execute(ctx, agent.Remember{
				Content:    "Caller said: " + history[i].Content,
				Importance: 0.5,
				MemoryType: "conversation",
			}, history)
			s.updateStats(func(st *messaging.Stats) { st.ActionsRun++ })
			break
		}
	}
}

func (m *Manager) record(s *CallSession, reason string) *messaging.ConversationRecord {
	p := s.Params()
	ended := time.Now()
	rec := &messaging.ConversationRecord{
		CallSID:         s.CallSID,
		StreamSID:       p.StreamSID,
		LeadID:          p.LeadID,
		CampaignID:      p.CampaignID,
		AgentID:         p.AgentID,
		StartedAt:       s.StartedAt,
		EndedAt:         ended,
		DurationSeconds: ended.Sub(s.StartedAt).Seconds(),
		EndReason:       reason,
		Goal:            p.Goal,
		Turns:           s.Turns(),
		Stats:           s.Stats(),
		Metadata: map[string]interface{}{
			"inbound":     p.Inbound,
			"noise_floor": s.calibrator.NoiseFloor(),
			"calibration": s.calibrator.State().String(),
		},
	}
	s.mu.Lock()
	ag := s.agent
	s.mu.Unlock()
	if ag != nil {
		rec.GoalProgress = ag.Progress(s.History(0))
		if plan := ag.Plan(); plan != nil {
			rec.Metadata["plan_steps"] = len(plan.Actions)
		}
	}
	return rec
}

// Shutdown ends every session and waits for background work
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.EndSession(id, EndReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeout("session shutdown")
	}
}
