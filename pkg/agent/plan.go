package agent

import "github.com/google/uuid"

// PlanStatus is the lifecycle of a plan
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is an ordered list of actions toward a goal. Progress always equals
// CurrentStep/len(Actions), or 0 for an empty plan.
type Plan struct {
	ID              string
	Goal            string
	SuccessCriteria []string
	Actions         []Action
	CurrentStep     int
	Progress        float64
	Status          PlanStatus
}

// NewPlan creates an active plan
func NewPlan(goal string, criteria []string, actions []Action) *Plan {
	p := &Plan{
		ID:              uuid.New().String(),
		Goal:            goal,
		SuccessCriteria: criteria,
		Actions:         actions,
		Status:          PlanActive,
	}
	p.updateProgress()
	return p
}

// AdvanceStep moves to the next action
func (p *Plan) AdvanceStep() {
	if p.CurrentStep < len(p.Actions) {
		p.CurrentStep++
	}
	p.updateProgress()
}

func (p *Plan) updateProgress() {
	if len(p.Actions) == 0 {
		p.Progress = 0
		return
	}
	p.Progress = float64(p.CurrentStep) / float64(len(p.Actions))
	if p.IsComplete() && p.Status == PlanActive {
		p.Status = PlanCompleted
	}
}

// IsComplete reports whether every action has been taken
func (p *Plan) IsComplete() bool {
	return p.CurrentStep >= len(p.Actions)
}

// CurrentAction returns the next action to take
func (p *Plan) CurrentAction() (Action, bool) {
	if p.IsComplete() {
		return nil, false
	}
	return p.Actions[p.CurrentStep], true
}

// Fail marks the plan as failed
func (p *Plan) Fail() {
	p.Status = PlanFailed
}
