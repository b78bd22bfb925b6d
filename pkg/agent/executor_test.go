package agent

import (
	"context"
	"testing"

	"voicecall-engine/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSpeakFallsBackToText(t *testing.T) {
	synth := &fakeSynth{}
	exec := NewExecutor(quietLogger(), nil, Collaborators{Synthesizer: synth})

	r := exec.Execute(context.Background(), Speak{Content: "Hello there"}, testContext())
	assert.True(t, r.Success)
	assert.Equal(t, "Hello there", r.Text())
	assert.Nil(t, r.Audio())
	assert.False(t, r.RequiresUserInput)

	synth.audio = []byte{1, 2}
	r = exec.Execute(context.Background(), Speak{Content: "Hi"}, testContext())
	assert.Equal(t, []byte{1, 2}, r.Audio())
}

func TestExecuteRecoversPanics(t *testing.T) {
	exec := NewExecutor(quietLogger(), nil, Collaborators{Synthesizer: &fakeSynth{panic: true}})

	r := exec.Execute(context.Background(), Speak{Content: "Hello"}, testContext())
	assert.False(t, r.Success)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "panicked")
}

func TestExecuteListenAndClarification(t *testing.T) {
	exec := NewExecutor(quietLogger(), nil, Collaborators{Synthesizer: &fakeSynth{audio: []byte{7}}})

	r := exec.Execute(context.Background(), Listen{ExpectedInput: "budget", TimeoutSeconds: 5}, testContext())
	assert.True(t, r.Success)
	assert.True(t, r.RequiresUserInput)

	r = exec.Execute(context.Background(), AskClarification{Question: "Which day works?", ExpectedInfo: "day"}, testContext())
	assert.True(t, r.Success)
	assert.True(t, r.RequiresUserInput)
	assert.Equal(t, "Which day works?", r.Text())
	assert.Equal(t, []byte{7}, r.Audio())
}

func TestExecuteRetrieveInfo(t *testing.T) {
	retriever := &fakeRetriever{docs: []string{"Plans start at $10.", "Support is 24/7."}}
	exec := NewExecutor(quietLogger(), nil, Collaborators{Retriever: retriever})

	r := exec.Execute(context.Background(), RetrieveInfo{Query: "pricing"}, testContext())
	require.True(t, r.Success)
	assert.Equal(t, "camp-1", retriever.namespace)
	assert.Equal(t, defaultRetrieveLimit, retriever.limit)
	assert.Equal(t, "Plans start at $10.\nSupport is 24/7.", r.Output[OutputContext])

	r = exec.Execute(context.Background(), RetrieveInfo{Query: "pricing"}, SessionContext{CtxCallSID: "CA1"})
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, errNoNamespace)

	retriever.err = errBoom
	r = exec.Execute(context.Background(), RetrieveInfo{Query: "pricing", Namespace: "kb"}, testContext())
	assert.False(t, r.Success)

	unconfigured := NewExecutor(quietLogger(), nil, Collaborators{})
	r = unconfigured.Execute(context.Background(), RetrieveInfo{Query: "pricing"}, testContext())
	assert.False(t, r.Success)
}

func TestBestEffortActionsSucceedWhenCollaboratorsFail(t *testing.T) {
	store := newFakeLeads()
	store.err = errBoom
	exec := NewExecutor(quietLogger(), nil, allCollaborators(&fakeSynth{}, store, nil))

	for _, action := range []Action{
		Remember{Content: "prefers mornings", Importance: 0.8, MemoryType: "preference"},
		Learn{Pattern: "asked about price first", Outcome: "booked", Success: true},
		ScheduleCallback{DelayMinutes: 30},
	} {
		r := exec.Execute(context.Background(), action, testContext())
		assert.True(t, r.Success, action.Kind())
	}
}

func TestBestEffortActionsRecord(t *testing.T) {
	store := newFakeLeads()
	exec := NewExecutor(quietLogger(), nil, allCollaborators(&fakeSynth{}, store, nil))

	exec.Execute(context.Background(), Remember{Content: "has two kids"}, testContext())
	exec.Execute(context.Background(), Learn{Pattern: "p", Outcome: "o"}, testContext())
	r := exec.Execute(context.Background(), ScheduleCallback{DelayMinutes: 15}, testContext())

	require.Len(t, store.memories, 1)
	assert.Equal(t, "lead-7", store.memories[0].LeadID)
	require.Len(t, store.patterns, 1)
	assert.Equal(t, "camp-1", store.patterns[0].CampaignID)
	require.Len(t, store.callbacks, 1)
	assert.Equal(t, 15, store.callbacks[0].DelayMinutes)
	assert.Equal(t, "+15550100", store.callbacks[0].PhoneNumber)
	assert.Equal(t, true, r.Output["scheduled"])
}

func TestExecuteEndConversationMarksContext(t *testing.T) {
	exec := NewExecutor(quietLogger(), nil, Collaborators{})
	sc := testContext()

	r := exec.Execute(context.Background(), EndConversation{Reason: "done"}, sc)
	assert.True(t, r.Success)
	assert.True(t, r.ConversationEnded())
	assert.Equal(t, defaultFinalMessage, r.Text())
	assert.True(t, sc.Bool(CtxConversationEnded))
	assert.Equal(t, "done", sc.String(CtxEndReason))
}

func TestIntelligenceScheduleCallbackEndsCall(t *testing.T) {
	store := newFakeLeads()
	fake := &fakeLLM{toolResp: &llm.ToolResponse{
		ToolName:  ToolScheduleCallback,
		Arguments: map[string]interface{}{"delay_minutes": float64(60)},
	}}
	exec := NewExecutor(quietLogger(), fake, allCollaborators(&fakeSynth{}, store, nil))

	r := exec.ExecuteWithIntelligence(context.Background(), "Can you call me back in an hour?", testContext())
	assert.Equal(t, "schedule_callback", r.Metadata["tool"])
	assert.Equal(t, true, r.Output["conversation_ended"])
	assert.False(t, r.RequiresUserInput)
	assert.Contains(t, r.Text(), "60 minutes")

	require.Len(t, store.callbacks, 1)
	assert.Equal(t, 60, store.callbacks[0].DelayMinutes)
	assert.Equal(t, "callback_scheduled", store.updates["lead-7"]["status"])
}

func TestIntelligenceEndCall(t *testing.T) {
	store := newFakeLeads()
	fake := &fakeLLM{toolResp: &llm.ToolResponse{
		ToolName: ToolEndCall,
		Arguments: map[string]interface{}{
			"reason":         "not interested",
			"classification": "not_interested",
			"final_message":  "Understood, have a great day.",
		},
	}}
	exec := NewExecutor(quietLogger(), fake, allCollaborators(&fakeSynth{}, store, nil))

	r := exec.ExecuteWithIntelligence(context.Background(), "not interested", testContext())
	assert.Equal(t, ToolEndCall, r.Tool())
	assert.True(t, r.ConversationEnded())
	assert.Equal(t, "Understood, have a great day.", r.Text())
	assert.Equal(t, "not_interested", store.updates["lead-7"]["classification"])
}

func TestIntelligenceContinueAndTransfer(t *testing.T) {
	store := newFakeLeads()
	fake := &fakeLLM{toolResp: &llm.ToolResponse{
		ToolName:  ToolContinueConversation,
		Arguments: map[string]interface{}{"response": "Great question. It takes five minutes."},
	}}
	exec := NewExecutor(quietLogger(), fake, allCollaborators(&fakeSynth{}, store, nil))

	r := exec.ExecuteWithIntelligence(context.Background(), "how long does setup take", testContext())
	assert.Equal(t, ToolContinueConversation, r.Tool())
	assert.True(t, r.RequiresUserInput)
	assert.False(t, r.ConversationEnded())
	assert.Equal(t, "Great question. It takes five minutes.", r.Text())

	fake.toolResp = &llm.ToolResponse{
		ToolName:  ToolTransferToHuman,
		Arguments: map[string]interface{}{"reason": "billing dispute", "urgency": "high"},
	}
	r = exec.ExecuteWithIntelligence(context.Background(), "let me talk to a person", testContext())
	assert.True(t, r.ConversationEnded())
	assert.Equal(t, true, r.Output[OutputTransfer])
	assert.Equal(t, "high", store.updates["lead-7"]["urgency"])
	require.Len(t, store.transfers, 1)
	assert.Equal(t, "billing dispute", store.transfers[0].Reason)
}

func TestIntelligenceTextOnlyReplyIsSpeech(t *testing.T) {
	fake := &fakeLLM{toolResp: &llm.ToolResponse{Text: "Sure, what would you like to know?"}}
	exec := NewExecutor(quietLogger(), fake, Collaborators{})

	r := exec.ExecuteWithIntelligence(context.Background(), "hello", testContext())
	assert.Equal(t, KindSpeak, r.Action.Kind())
	assert.Equal(t, "none", r.Tool())
	assert.Equal(t, "Sure, what would you like to know?", r.Text())
	assert.True(t, r.RequiresUserInput)
	assert.Equal(t, 0, fake.hits())
}

func TestIntelligenceFallsBackWhenToolsUnavailable(t *testing.T) {
	fake := &fakeLLM{toolErr: llm.ErrToolsUnsupported, generate: []string{"Happy to help with that."}}
	exec := NewExecutor(quietLogger(), fake, Collaborators{})

	r := exec.ExecuteWithIntelligence(context.Background(), "hello", testContext())
	assert.True(t, r.Success)
	assert.Nil(t, r.Err)
	assert.Equal(t, "Happy to help with that.", r.Text())
	assert.Equal(t, true, r.Metadata[MetadataFallback])

	fake.generateErr = errBoom
	r = exec.ExecuteWithIntelligence(context.Background(), "hello", testContext())
	assert.True(t, r.Success)
	assert.Equal(t, FallbackApology, r.Text())
}

func TestIntArg(t *testing.T) {
	args := map[string]interface{}{"a": float64(30), "b": "45", "c": "soon", "d": float64(-5)}
	assert.Equal(t, 30, intArg(args, "a", 60))
	assert.Equal(t, 45, intArg(args, "b", 60))
	assert.Equal(t, 60, intArg(args, "c", 60))
	assert.Equal(t, 60, intArg(args, "d", 60))
	assert.Equal(t, 60, intArg(args, "missing", 60))
}
