package agent

import (
	"context"
	"testing"

	"voicecall-engine/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentPlansAndAdvancesTurns(t *testing.T) {
	fake := &fakeLLM{generate: []string{"1. SPEAK: Hi!\n2. LISTEN: greeting\n3. SPEAK: Our offer.\n4. LISTEN: reaction"}}
	a := New(NewPlanner(quietLogger(), fake, 8), NewExecutor(quietLogger(), fake, Collaborators{}), "book a demo", testContext(), true)

	plan := a.Prepare(context.Background(), nil)
	require.Len(t, plan.Actions, 4)
	assert.Equal(t, "SPEAK: Hi!", a.Guidance())

	a.CompleteTurn()
	assert.Equal(t, 2, a.Plan().CurrentStep)
	assert.Equal(t, "SPEAK: Our offer.", a.Guidance())

	a.CompleteTurn()
	assert.True(t, a.Plan().IsComplete())
	assert.Empty(t, a.Guidance())

	// A second Prepare adapts rather than recreating
	assert.Same(t, a.Plan(), a.Prepare(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "ok"}}))
}

func TestAgentEndsOnPlanEndStep(t *testing.T) {
	fake := &fakeLLM{generate: []string{"1. SPEAK: Thank them for their time\n2. END: goal reached"}}
	a := New(NewPlanner(quietLogger(), fake, 8), NewExecutor(quietLogger(), fake, Collaborators{}), "book a demo", testContext(), true)

	a.Prepare(context.Background(), nil)
	a.CompleteTurn()
	assert.Equal(t, 1, a.Plan().CurrentStep)
	assert.Equal(t, "END: goal reached", a.Guidance())
	assert.False(t, a.Ended())

	a.CompleteTurn()
	assert.True(t, a.Ended())
	assert.True(t, a.Plan().IsComplete())
	assert.Equal(t, PlanEndReason, a.Context().String(CtxEndReason))
}

func TestAgentReplyRunsToolDecision(t *testing.T) {
	fake := &fakeLLM{toolResp: &llm.ToolResponse{
		ToolName:  ToolEndCall,
		Arguments: map[string]interface{}{"reason": "not interested", "final_message": "Understood, goodbye."},
	}}
	synth := &fakeSynth{audio: []byte{1, 2, 3, 4}}
	a := New(NewPlanner(quietLogger(), fake, 8), NewExecutor(quietLogger(), fake, Collaborators{Synthesizer: synth}), "goal", testContext(), true)

	r := a.Reply(context.Background(), "not interested", nil)
	assert.Equal(t, ToolEndCall, r.Tool())
	assert.Equal(t, "Understood, goodbye.", r.Text())
	assert.Equal(t, []byte{1, 2, 3, 4}, r.Audio())
	assert.True(t, a.Ended())
}

func TestAgentDecideWithoutTools(t *testing.T) {
	fake := &fakeLLM{toolResp: &llm.ToolResponse{ToolName: ToolEndCall}}
	a := New(NewPlanner(quietLogger(), fake, 8), NewExecutor(quietLogger(), fake, Collaborators{}), "goal", nil, false)
	d := a.Decide(context.Background(), "bye", nil)
	assert.True(t, d.Fallback)
	assert.Empty(t, d.Tool)
}

func TestAgentExecuteTracksEnd(t *testing.T) {
	a := New(NewPlanner(quietLogger(), nil, 8), NewExecutor(quietLogger(), nil, Collaborators{}), "goal", testContext(), true)
	assert.False(t, a.Ended())
	a.Execute(context.Background(), EndConversation{Reason: "done"}, nil)
	assert.True(t, a.Ended())
}

func TestSystemPrompt(t *testing.T) {
	sc := SessionContext{
		CtxAgentName:        "Ana",
		CtxCompanyName:      "Acme",
		CtxPersonality:      "warm",
		CtxLeadName:         "Dana",
		CtxRetrievedContext: "Plans start at $10.",
	}
	prompt := SystemPrompt(sc)
	assert.Contains(t, prompt, "You are Ana on a phone call representing Acme.")
	assert.Contains(t, prompt, "Personality: warm.")
	assert.Contains(t, prompt, "speaking with Dana")
	assert.Contains(t, prompt, "Plans start at $10.")

	sc[CtxSystemPrompt] = "Custom persona."
	assert.Contains(t, SystemPrompt(sc), "Custom persona.")
	assert.NotContains(t, SystemPrompt(sc), "You are Ana")
}
