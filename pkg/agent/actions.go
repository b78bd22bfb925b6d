package agent

import "fmt"

// ActionKind discriminates the Action variants
type ActionKind string

const (
	KindSpeak            ActionKind = "speak"
	KindListen           ActionKind = "listen"
	KindRetrieveInfo     ActionKind = "retrieve_info"
	KindRemember         ActionKind = "remember"
	KindScheduleCallback ActionKind = "schedule_callback"
	KindAskClarification ActionKind = "ask_clarification"
	KindEndConversation  ActionKind = "end_conversation"
	KindLearn            ActionKind = "learn"
)

// Action is one step an agent can take. The set of variants is closed.
type Action interface {
	Kind() ActionKind
	action()
}

// Speak says content to the caller
type Speak struct {
	Content     string
	TTSProvider string
}

// Listen waits for caller input
type Listen struct {
	ExpectedInput  string
	TimeoutSeconds int
}

// RetrieveInfo looks up knowledge base passages
type RetrieveInfo struct {
	Query     string
	Namespace string
	Limit     int
}

// Remember stores a fact about the caller
type Remember struct {
	Content    string
	Importance float64
	MemoryType string
}

// ScheduleCallback books a call back after DelayMinutes
type ScheduleCallback struct {
	DelayMinutes int
	PhoneNumber  string
}

// AskClarification asks a question and waits for the answer
type AskClarification struct {
	Question     string
	ExpectedInfo string
}

// EndConversation ends the call, optionally saying FinalMessage first
type EndConversation struct {
	Reason       string
	FinalMessage string
}

// Learn records whether a conversational pattern worked
type Learn struct {
	Pattern string
	Outcome string
	Success bool
}

func (Speak) Kind() ActionKind            { return KindSpeak }
func (Listen) Kind() ActionKind           { return KindListen }
func (RetrieveInfo) Kind() ActionKind     { return KindRetrieveInfo }
func (Remember) Kind() ActionKind         { return KindRemember }
func (ScheduleCallback) Kind() ActionKind { return KindScheduleCallback }
func (AskClarification) Kind() ActionKind { return KindAskClarification }
func (EndConversation) Kind() ActionKind  { return KindEndConversation }
func (Learn) Kind() ActionKind            { return KindLearn }

func (Speak) action()            {}
func (Listen) action()           {}
func (RetrieveInfo) action()     {}
func (Remember) action()         {}
func (ScheduleCallback) action() {}
func (AskClarification) action() {}
func (EndConversation) action()  {}
func (Learn) action()            {}

// Describe renders an action for prompts and logs
func Describe(a Action) string {
	switch v := a.(type) {
	case Speak:
		return "SPEAK: " + v.Content
	case Listen:
		return "LISTEN: " + v.ExpectedInput
	case RetrieveInfo:
		return "RETRIEVE: " + v.Query
	case Remember:
		return "REMEMBER: " + v.Content
	case ScheduleCallback:
		return fmt.Sprintf("SCHEDULE_CALLBACK: %d minutes", v.DelayMinutes)
	case AskClarification:
		return "ASK: " + v.Question
	case EndConversation:
		return "END: " + v.Reason
	case Learn:
		return "LEARN: " + v.Pattern
	default:
		return "UNKNOWN"
	}
}

// Output keys shared by handlers and callers
const (
	OutputText              = "text"
	OutputAudio             = "audio"
	OutputConversationEnded = "conversation_ended"
	OutputTransfer          = "transfer"
	OutputDocuments         = "documents"
	OutputContext           = "context"
	MetadataTool            = "tool"
	MetadataFallback        = "fallback"
)

// ActionResult is the outcome of executing one action. When
// RequiresUserInput is set the caller must wait for new input before
// running another step.
type ActionResult struct {
	Action            Action
	Success           bool
	Output            map[string]interface{}
	Err               error
	RequiresUserInput bool
	Metadata          map[string]interface{}
}

func newResult(a Action) ActionResult {
	return ActionResult{
		Action:   a,
		Output:   map[string]interface{}{},
		Metadata: map[string]interface{}{},
	}
}

func failed(a Action, err error) ActionResult {
	r := newResult(a)
	r.Err = err
	return r
}

// Text returns the spoken text, if any
func (r ActionResult) Text() string {
	s, _ := r.Output[OutputText].(string)
	return s
}

// Audio returns synthesized audio, nil when synthesis was skipped or failed
func (r ActionResult) Audio() []byte {
	b, _ := r.Output[OutputAudio].([]byte)
	return b
}

// ConversationEnded reports whether the action ended the call
func (r ActionResult) ConversationEnded() bool {
	ended, _ := r.Output[OutputConversationEnded].(bool)
	return ended
}

// Tool returns the tool that produced the result, if any
func (r ActionResult) Tool() string {
	s, _ := r.Metadata[MetadataTool].(string)
	return s
}
