package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"voicecall-engine/pkg/leads"
	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/metrics"
)

// Tool names offered to the language model
const (
	ToolEndCall              = "end_call"
	ToolScheduleCallback     = "schedule_callback"
	ToolContinueConversation = "continue_conversation"
	ToolTransferToHuman      = "transfer_to_human"
)

// FallbackApology is spoken when no response could be generated
const FallbackApology = "I'm sorry, I didn't quite get that. Could you say it again?"

// AgentTools returns the four tool schemas
func AgentTools() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        ToolEndCall,
			Description: "End the call when the caller is not interested, asks to stop, or the goal is complete.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason":         map[string]interface{}{"type": "string", "description": "Why the call is ending"},
					"classification": map[string]interface{}{"type": "string", "enum": []string{"interested", "not_interested", "do_not_call", "wrong_number", "completed"}},
					"final_message":  map[string]interface{}{"type": "string", "description": "Polite goodbye to say before hanging up"},
				},
				"required": []string{"reason", "final_message"},
			},
		},
		{
			Name:        ToolScheduleCallback,
			Description: "Schedule a call back when the caller asks to be called later.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"delay_minutes": map[string]interface{}{"type": "integer", "description": "Minutes from now"},
					"reason":        map[string]interface{}{"type": "string"},
					"message":       map[string]interface{}{"type": "string", "description": "Confirmation to say"},
				},
				"required": []string{"delay_minutes"},
			},
		},
		{
			Name:        ToolContinueConversation,
			Description: "Continue the conversation with the next thing to say.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"response": map[string]interface{}{"type": "string", "description": "What to say next"},
					"strategy": map[string]interface{}{"type": "string"},
				},
				"required": []string{"response"},
			},
		},
		{
			Name:        ToolTransferToHuman,
			Description: "Transfer to a human when the caller asks for a person or the request is beyond the agent.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason":  map[string]interface{}{"type": "string"},
					"urgency": map[string]interface{}{"type": "string", "enum": []string{"low", "medium", "high"}},
					"message": map[string]interface{}{"type": "string", "description": "What to say before transferring"},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// Decision is the outcome of a tool choice with its side effects applied.
// Text is empty when the model gave no usable reply; Fallback is set when
// tool calling itself was unavailable.
type Decision struct {
	Tool             string
	Text             string
	Reason           string
	Arguments        map[string]interface{}
	EndsConversation bool
	Transfer         bool
	Fallback         bool
}

// Decide lets the model pick one of the four tools and applies the lead,
// callback and transfer side effects. It never synthesizes audio.
func (e *Executor) Decide(ctx context.Context, transcript string, sc SessionContext) Decision {
	log := e.log(sc)
	if e.llm == nil {
		return Decision{Fallback: true}
	}

	resp, err := e.llm.GenerateWithTools(ctx, toolPrompt(transcript, sc), SystemPrompt(sc), AgentTools())
	if err != nil {
		if errors.Is(err, llm.ErrToolsUnsupported) {
			log.WithError(err).Debug("Tool calling unsupported, using plain response")
		} else {
			log.WithError(err).Warn("Tool decision failed, using plain response")
		}
		return Decision{Fallback: true}
	}
	if !resp.HasToolCall() {
		return Decision{Text: resp.Text}
	}

	metrics.RecordToolCall(resp.ToolName)
	args := resp.Arguments
	d := Decision{Tool: resp.ToolName, Arguments: args}
	log = log.WithField("tool", resp.ToolName)

	switch resp.ToolName {
	case ToolEndCall:
		d.Reason = firstNonEmpty(stringArg(args, "reason"), "caller ended")
		d.Text = firstNonEmpty(stringArg(args, "final_message"), resp.Text, defaultFinalMessage)
		d.EndsConversation = true
		e.updateLead(ctx, sc, map[string]interface{}{
			"status":         "closed",
			"classification": firstNonEmpty(stringArg(args, "classification"), "completed"),
			"end_reason":     d.Reason,
		})

	case ToolScheduleCallback:
		delay := intArg(args, "delay_minutes", defaultCallbackMinutes)
		d.Reason = firstNonEmpty(stringArg(args, "reason"), "callback requested")
		scheduledAt, _ := e.bookCallback(ctx, sc, delay, "", d.Reason)
		d.Text = firstNonEmpty(stringArg(args, "message"), resp.Text, callbackConfirmation(delay, scheduledAt))
		d.EndsConversation = true
		e.updateLead(ctx, sc, map[string]interface{}{
			"status":         "callback_scheduled",
			"callback_at":    scheduledAt.UTC().Format(time.RFC3339),
			"classification": "callback",
		})

	case ToolContinueConversation:
		d.Text = firstNonEmpty(stringArg(args, "response"), resp.Text)

	case ToolTransferToHuman:
		d.Reason = firstNonEmpty(stringArg(args, "reason"), "caller requested a person")
		urgency := firstNonEmpty(stringArg(args, "urgency"), "medium")
		d.Text = firstNonEmpty(stringArg(args, "message"), resp.Text, "Let me connect you with someone from our team. Please hold.")
		d.EndsConversation = true
		d.Transfer = true
		e.updateLead(ctx, sc, map[string]interface{}{
			"transfer_requested": true,
			"transfer_reason":    d.Reason,
			"urgency":            urgency,
		})
		e.requestTransfer(ctx, sc, d.Reason, urgency)

	default:
		log.Warn("Model chose an unknown tool, treating reply as speech")
		d.Tool = ""
		d.Text = resp.Text
	}

	log.WithField("ends_conversation", d.EndsConversation).Info("Agent tool decision")
	return d
}

// ExecuteWithIntelligence decides with tools and then speaks the outcome.
// A missing reply is replaced by a plain generation, then by an apology.
func (e *Executor) ExecuteWithIntelligence(ctx context.Context, transcript string, sc SessionContext) ActionResult {
	d := e.Decide(ctx, transcript, sc)

	text := d.Text
	if text == "" {
		text = e.PlainResponse(ctx, transcript, sc)
	}

	var r ActionResult
	if d.EndsConversation {
		r = e.Execute(ctx, EndConversation{Reason: d.Reason, FinalMessage: text}, sc)
	} else {
		r = e.Execute(ctx, Speak{Content: text}, sc)
		r.RequiresUserInput = true
	}

	tool := d.Tool
	if tool == "" {
		tool = "none"
	}
	r.Metadata[MetadataTool] = tool
	r.Metadata[MetadataFallback] = d.Fallback
	if d.Arguments != nil {
		r.Metadata["arguments"] = d.Arguments
	}
	if d.Transfer {
		r.Output[OutputTransfer] = true
	}
	return r
}

// PlainResponse generates a reply without tools, or returns the apology
func (e *Executor) PlainResponse(ctx context.Context, transcript string, sc SessionContext) string {
	if e.llm == nil {
		return FallbackApology
	}
	text, err := e.llm.Generate(ctx, transcript, sc.History(), SystemPrompt(sc))
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			e.log(sc).WithError(err).Warn("Plain response generation failed")
		}
		metrics.RecordFallback("empty_response")
		return FallbackApology
	}
	return text
}

func (e *Executor) updateLead(ctx context.Context, sc SessionContext, fields map[string]interface{}) {
	leadID := sc.String(CtxLeadID)
	if e.deps.Leads == nil || leadID == "" {
		return
	}
	if err := e.deps.Leads.UpdateLead(ctx, leadID, fields); err != nil {
		e.log(sc).WithError(err).WithField("lead_id", leadID).Warn("Failed to update lead")
	}
}

func (e *Executor) requestTransfer(ctx context.Context, sc SessionContext, reason, urgency string) {
	if e.deps.Transfers == nil {
		return
	}
	err := e.deps.Transfers.RequestTransfer(ctx, leads.TransferRequest{
		CallSID:     sc.String(CtxCallSID),
		LeadID:      sc.String(CtxLeadID),
		CampaignID:  sc.String(CtxCampaignID),
		Reason:      reason,
		Urgency:     urgency,
		RequestedAt: time.Now(),
	})
	if err != nil {
		e.log(sc).WithError(err).Warn("Failed to request transfer")
	}
}

func toolPrompt(transcript string, sc SessionContext) string {
	var b strings.Builder
	history := recent(sc.History(), 10)
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "The caller just said: %q\n", transcript)
	b.WriteString("Choose exactly one tool. Use continue_conversation unless the caller wants to stop, be called later, or speak to a person.")
	return b.String()
}

func callbackConfirmation(delay int, at time.Time) string {
	switch {
	case delay < 120:
		return fmt.Sprintf("No problem. I'll call you back in about %d minutes. Talk soon!", delay)
	case delay < 24*60:
		return fmt.Sprintf("No problem. I'll call you back in about %d hours. Talk soon!", int(math.Round(float64(delay)/60)))
	default:
		return fmt.Sprintf("No problem. I'll call you back on %s. Talk soon!", at.Format("Monday, January 2"))
	}
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// intArg accepts JSON numbers and numeric strings
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
