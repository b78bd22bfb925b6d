package agent

import (
	"context"
	"sync"

	"voicecall-engine/pkg/llm"
	"voicecall-engine/pkg/metrics"

	"github.com/google/uuid"
)

// Agent binds a planner and executor to one call's context
type Agent struct {
	ID string

	planner  *Planner
	executor *Executor
	useTools bool

	mu      sync.Mutex
	goal    string
	context SessionContext
	plan    *Plan
}

// New creates an agent for one call
func New(planner *Planner, executor *Executor, goal string, sc SessionContext, useTools bool) *Agent {
	if sc == nil {
		sc = SessionContext{}
	}
	return &Agent{
		ID:       uuid.New().String(),
		planner:  planner,
		executor: executor,
		useTools: useTools,
		goal:     goal,
		context:  sc,
	}
}

// Set stores a context value
func (a *Agent) Set(key string, value interface{}) {
	a.mu.Lock()
	a.context[key] = value
	a.mu.Unlock()
}

// Context returns a copy of the agent's context
func (a *Agent) Context() SessionContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.context.Clone()
}

// Plan returns the current plan, nil before the first turn
func (a *Agent) Plan() *Plan {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.plan
}

// Goal returns the agent's goal
func (a *Agent) Goal() string {
	return a.goal
}

func (a *Agent) view(history []llm.Message) SessionContext {
	sc := a.Context()
	sc[CtxHistory] = history
	return sc
}

// Prepare creates the plan on the first turn and adapts it afterwards
func (a *Agent) Prepare(ctx context.Context, history []llm.Message) *Plan {
	sc := a.view(history)
	a.mu.Lock()
	current := a.plan
	a.mu.Unlock()

	var next *Plan
	if current == nil {
		next = a.planner.CreatePlan(ctx, a.goal, sc, history)
	} else {
		next = a.planner.AdaptPlan(ctx, current, sc, history)
	}

	a.mu.Lock()
	a.plan = next
	a.mu.Unlock()
	return next
}

// Guidance describes the current plan step for the response prompt
func (a *Agent) Guidance() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.plan == nil {
		return ""
	}
	action, ok := a.plan.CurrentAction()
	if !ok {
		return ""
	}
	return Describe(action)
}

// PlanEndReason is recorded when the plan's END step closes the call
const PlanEndReason = "plan_complete"

// CompleteTurn advances the plan through the next Listen step, which is
// where the agent waits for the caller again. It stops in front of an END
// step so the next reply is the goodbye, and a turn taken under an END
// step ends the conversation.
func (a *Agent) CompleteTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.plan == nil {
		return
	}
	if action, ok := a.plan.CurrentAction(); ok && action.Kind() == KindEndConversation {
		a.plan.AdvanceStep()
		markEnded(a.context, PlanEndReason)
		metrics.RecordAgentAction(string(KindEndConversation), true)
		return
	}
	for !a.plan.IsComplete() {
		action, _ := a.plan.CurrentAction()
		a.plan.AdvanceStep()
		if action.Kind() == KindListen {
			return
		}
		if next, ok := a.plan.CurrentAction(); ok && next.Kind() == KindEndConversation {
			return
		}
	}
}

// Progress scores how far the call is toward the goal
func (a *Agent) Progress(history []llm.Message) float64 {
	return a.planner.EvaluateProgress(a.Plan(), history)
}

// Decide runs the tool decision; without tools it always falls back
func (a *Agent) Decide(ctx context.Context, transcript string, history []llm.Message) Decision {
	if !a.useTools {
		return Decision{Fallback: true}
	}
	sc := a.view(history)
	d := a.executor.Decide(ctx, transcript, sc)
	a.syncEnded(sc)
	return d
}

// Reply runs the tool decision and produces the whole reply at once, with
// its audio when the executor has a synthesizer
func (a *Agent) Reply(ctx context.Context, transcript string, history []llm.Message) ActionResult {
	sc := a.view(history)
	if !a.useTools {
		r := a.executor.Execute(ctx, Speak{Content: a.executor.PlainResponse(ctx, transcript, sc)}, sc)
		r.RequiresUserInput = true
		return r
	}
	r := a.executor.ExecuteWithIntelligence(ctx, transcript, sc)
	a.syncEnded(sc)
	return r
}

// Execute runs one action against the agent's context
func (a *Agent) Execute(ctx context.Context, action Action, history []llm.Message) ActionResult {
	sc := a.view(history)
	r := a.executor.Execute(ctx, action, sc)
	a.syncEnded(sc)
	return r
}

// SystemPrompt renders the system prompt for the agent's context
func (a *Agent) SystemPrompt() string {
	return SystemPrompt(a.Context())
}

func (a *Agent) syncEnded(sc SessionContext) {
	if !sc.Bool(CtxConversationEnded) {
		return
	}
	a.Set(CtxConversationEnded, true)
	a.Set(CtxEndReason, sc[CtxEndReason])
}

// Ended reports whether an action ended the conversation
func (a *Agent) Ended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.context.Bool(CtxConversationEnded)
}
