package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"voicecall-engine/pkg/leads"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Synthesizer produces whole-utterance audio, nil on failure
type Synthesizer interface {
	SynthesizeOnce(ctx context.Context, providerID, text, voice string) []byte
}

// Retriever returns knowledge base passages for a query
type Retriever interface {
	Retrieve(ctx context.Context, query, namespace string, limit int) ([]string, error)
}

// LeadUpdater records dispositions on the lead record
type LeadUpdater interface {
	UpdateLead(ctx context.Context, leadID string, fields map[string]interface{}) error
}

// CallbackScheduler books call backs
type CallbackScheduler interface {
	ScheduleCallback(ctx context.Context, cb leads.Callback) error
}

// MemoryRecorder stores memories and learned patterns
type MemoryRecorder interface {
	RecordMemory(ctx context.Context, m leads.Memory) error
	RecordPattern(ctx context.Context, p leads.Pattern) error
}

// TransferRequester hands a call over to a human
type TransferRequester interface {
	RequestTransfer(ctx context.Context, req leads.TransferRequest) error
}

// Collaborators are the optional external services the executor uses. Any
// of them may be nil.
type Collaborators struct {
	Synthesizer Synthesizer
	Retriever   Retriever
	Leads       LeadUpdater
	Callbacks   CallbackScheduler
	Memory      MemoryRecorder
	Transfers   TransferRequester
}

const (
	defaultRetrieveLimit   = 3
	defaultFinalMessage    = "Thank you for your time. Goodbye."
	defaultCallbackMinutes = 60
)

var errNoNamespace = errors.New("no knowledge base namespace for this call")

// Executor runs actions against a borrowed session context
type Executor struct {
	logger *logrus.Logger
	llm    llm.Client
	deps   Collaborators
}

// NewExecutor creates an executor. client may be nil, in which case tool
// decisions always fall back.
func NewExecutor(logger *logrus.Logger, client llm.Client, deps Collaborators) *Executor {
	return &Executor{logger: logger, llm: client, deps: deps}
}

func (e *Executor) log(sc SessionContext) *logrus.Entry {
	return e.logger.WithField("call_sid", sc.String(CtxCallSID))
}

// Execute runs one action. Handlers never panic or return errors to the
// caller; failures are reported in the result.
func (e *Executor) Execute(ctx context.Context, action Action, sc SessionContext) (result ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log(sc).WithFields(logrus.Fields{
				"panic": r,
				"kind":  action.Kind(),
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in action handler")
			result = failed(action, fmt.Errorf("action %s panicked: %v", action.Kind(), r))
		}
		metrics.RecordAgentAction(string(action.Kind()), result.Success)
	}()

	switch a := action.(type) {
	case Speak:
		return e.speak(ctx, a, sc)
	case Listen:
		return e.listen(a)
	case RetrieveInfo:
		return e.retrieveInfo(ctx, a, sc)
	case Remember:
		return e.remember(ctx, a, sc)
	case ScheduleCallback:
		return e.scheduleCallback(ctx, a, sc)
	case AskClarification:
		return e.askClarification(ctx, a, sc)
	case EndConversation:
		return e.endConversation(ctx, a, sc)
	case Learn:
		return e.learn(ctx, a, sc)
	default:
		return failed(action, fmt.Errorf("unknown action kind %q", action.Kind()))
	}
}

// synthesize returns audio or nil; speaking succeeds without audio
func (e *Executor) synthesize(ctx context.Context, sc SessionContext, provider, text string) []byte {
	if e.deps.Synthesizer == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	if provider == "" {
		provider = sc.String(CtxTTSProvider)
	}
	audio := e.deps.Synthesizer.SynthesizeOnce(ctx, provider, text, sc.String(CtxVoice))
	if audio == nil {
		e.log(sc).Debug("No audio synthesized, continuing with text only")
	}
	return audio
}

func (e *Executor) speak(ctx context.Context, a Speak, sc SessionContext) ActionResult {
	r := newResult(a)
	r.Success = true
	r.Output[OutputText] = a.Content
	r.Output[OutputAudio] = e.synthesize(ctx, sc, a.TTSProvider, a.Content)
	return r
}

func (e *Executor) listen(a Listen) ActionResult {
	r := newResult(a)
	r.Success = true
	r.RequiresUserInput = true
	r.Output["expected_input"] = a.ExpectedInput
	r.Output["timeout_seconds"] = a.TimeoutSeconds
	return r
}

func (e *Executor) retrieveInfo(ctx context.Context, a RetrieveInfo, sc SessionContext) ActionResult {
	if e.deps.Retriever == nil {
		return failed(a, errors.New("retrieval is not configured"))
	}
	namespace := a.Namespace
	if namespace == "" {
		namespace = sc.String(CtxNamespace)
	}
	if namespace == "" {
		namespace = sc.String(CtxCampaignID)
	}
	if namespace == "" {
		return failed(a, errNoNamespace)
	}
	limit := a.Limit
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}

	docs, err := e.deps.Retriever.Retrieve(ctx, a.Query, namespace, limit)
	if err != nil {
		e.log(sc).WithError(err).Warn("Knowledge retrieval failed")
		return failed(a, err)
	}
	r := newResult(a)
	r.Success = true
	r.Output[OutputDocuments] = docs
	r.Output[OutputContext] = strings.Join(docs, "\n")
	return r
}

func (e *Executor) remember(ctx context.Context, a Remember, sc SessionContext) ActionResult {
	r := newResult(a)
	r.Success = true
	r.Output["recorded"] = false
	if e.deps.Memory == nil {
		return r
	}
	err := e.deps.Memory.RecordMemory(ctx, leads.Memory{
		LeadID:     sc.String(CtxLeadID),
		CallSID:    sc.String(CtxCallSID),
		Content:    a.Content,
		Importance: a.Importance,
		MemoryType: a.MemoryType,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		e.log(sc).WithError(err).Warn("Failed to record memory")
		return r
	}
	r.Output["recorded"] = true
	return r
}

func (e *Executor) scheduleCallback(ctx context.Context, a ScheduleCallback, sc SessionContext) ActionResult {
	r := newResult(a)
	r.Success = true
	scheduledAt, ok := e.bookCallback(ctx, sc, a.DelayMinutes, a.PhoneNumber, "")
	r.Output["scheduled"] = ok
	r.Output["scheduled_at"] = scheduledAt
	return r
}

// bookCallback is best effort and reports whether the scheduler accepted it
func (e *Executor) bookCallback(ctx context.Context, sc SessionContext, delay int, phone, reason string) (time.Time, bool) {
	if delay <= 0 {
		delay = defaultCallbackMinutes
	}
	if phone == "" {
		phone = sc.String(CtxPhoneNumber)
	}
	scheduledAt := time.Now().Add(time.Duration(delay) * time.Minute)
	if e.deps.Callbacks == nil {
		e.log(sc).Warn("No callback scheduler configured")
		return scheduledAt, false
	}
	err := e.deps.Callbacks.ScheduleCallback(ctx, leads.Callback{
		LeadID:       sc.String(CtxLeadID),
		CampaignID:   sc.String(CtxCampaignID),
		CallSID:      sc.String(CtxCallSID),
		PhoneNumber:  phone,
		DelayMinutes: delay,
		Reason:       reason,
		ScheduledAt:  scheduledAt,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		e.log(sc).WithError(err).Warn("Failed to schedule callback")
		return scheduledAt, false
	}
	return scheduledAt, true
}

func (e *Executor) askClarification(ctx context.Context, a AskClarification, sc SessionContext) ActionResult {
	r := newResult(a)
	r.Success = true
	r.RequiresUserInput = true
	r.Output[OutputText] = a.Question
	r.Output[OutputAudio] = e.synthesize(ctx, sc, "", a.Question)
	r.Output["expected_info"] = a.ExpectedInfo
	return r
}

func (e *Executor) endConversation(ctx context.Context, a EndConversation, sc SessionContext) ActionResult {
	message := a.FinalMessage
	if message == "" {
		message = defaultFinalMessage
	}
	r := newResult(a)
	r.Success = true
	r.Output[OutputText] = message
	r.Output[OutputAudio] = e.synthesize(ctx, sc, "", message)
	r.Output[OutputConversationEnded] = true
	r.Output["reason"] = a.Reason
	markEnded(sc, a.Reason)
	return r
}

func (e *Executor) learn(ctx context.Context, a Learn, sc SessionContext) ActionResult {
	r := newResult(a)
	r.Success = true
	r.Output["recorded"] = false
	if e.deps.Memory == nil {
		return r
	}
	err := e.deps.Memory.RecordPattern(ctx, leads.Pattern{
		CampaignID: sc.String(CtxCampaignID),
		Pattern:    a.Pattern,
		Outcome:    a.Outcome,
		Success:    a.Success,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		e.log(sc).WithError(err).Warn("Failed to record learned pattern")
		return r
	}
	r.Output["recorded"] = true
	return r
}

func markEnded(sc SessionContext, reason string) {
	if sc == nil {
		return
	}
	sc[CtxConversationEnded] = true
	sc[CtxEndReason] = reason
}
