package agent

import (
	"fmt"

	"voicecall-engine/pkg/llm"
)

// Keys used in SessionContext
const (
	CtxCallSID           = "call_sid"
	CtxCampaignID        = "campaign_id"
	CtxLeadID            = "lead_id"
	CtxLeadName          = "lead_name"
	CtxPhoneNumber       = "phone_number"
	CtxNamespace         = "namespace"
	CtxPurpose           = "purpose"
	CtxCompanyName       = "company_name"
	CtxAgentName         = "agent_name"
	CtxPersonality       = "personality"
	CtxTone              = "tone"
	CtxSystemPrompt      = "system_prompt"
	CtxTTSProvider       = "tts_provider"
	CtxVoice             = "voice"
	CtxHistory           = "history"
	CtxRetrievedContext  = "retrieved_context"
	CtxConversationEnded = "conversation_ended"
	CtxEndReason         = "end_reason"
)

// SessionContext is the key-value view of a call the executor borrows for
// one invocation.
type SessionContext map[string]interface{}

// String returns the value for key as a string
func (sc SessionContext) String(key string) string {
	switch v := sc[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the value for key as a bool
func (sc SessionContext) Bool(key string) bool {
	b, _ := sc[key].(bool)
	return b
}

// History returns the conversation history, if present
func (sc SessionContext) History() []llm.Message {
	h, _ := sc[CtxHistory].([]llm.Message)
	return h
}

// Clone returns a shallow copy
func (sc SessionContext) Clone() SessionContext {
	out := make(SessionContext, len(sc))
	for k, v := range sc {
		out[k] = v
	}
	return out
}
