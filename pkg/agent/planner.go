package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"voicecall-engine/pkg/llm"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxPlanSteps caps plans when no limit is configured
	DefaultMaxPlanSteps = 8

	// adaptProgressCeiling is the progress above which plans are kept as is
	adaptProgressCeiling = 0.8

	derailmentWindow = 3

	defaultListenTimeout = 10
)

// DerailmentKeywords trigger a new plan when they appear in recent turns
var DerailmentKeywords = []string{
	"not interested",
	"call back later",
	"wrong person",
	"busy now",
	"different topic",
}

var (
	stepLine   = regexp.MustCompile(`(?i)^\s*(?:\d+\s*[.):-]?\s*)?(SPEAK|LISTEN|END)\s*:\s*(.*)$`)
	numberLead = regexp.MustCompile(`^\s*(\d+\s*[.):-]|[-*•])\s*`)
)

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "being": true, "could": true,
	"their": true, "there": true, "these": true, "they": true, "this": true,
	"that": true, "with": true, "from": true, "have": true, "will": true,
	"would": true, "should": true, "what": true, "when": true, "where": true,
	"which": true, "your": true, "into": true, "them": true, "then": true,
	"than": true, "were": true, "been": true, "also": true, "just": true,
}

// Planner turns goals into plans with the language model
type Planner struct {
	logger   *logrus.Logger
	llm      llm.Client
	maxSteps int
}

// NewPlanner creates a planner; maxSteps <= 0 uses DefaultMaxPlanSteps
func NewPlanner(logger *logrus.Logger, client llm.Client, maxSteps int) *Planner {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxPlanSteps
	}
	return &Planner{logger: logger, llm: client, maxSteps: maxSteps}
}

// CreatePlan asks the model for a numbered SPEAK/LISTEN plan. Generation
// failures produce the clarification fallback plan.
func (p *Planner) CreatePlan(ctx context.Context, goal string, sc SessionContext, history []llm.Message) *Plan {
	criteria := []string{goal}

	if p.llm == nil {
		return NewPlan(goal, criteria, fallbackActions())
	}

	text, err := p.llm.Generate(ctx, planningPrompt(goal, sc, history, p.maxSteps), nil, planningSystemPrompt)
	if err != nil {
		p.logger.WithError(err).WithField("call_sid", sc.String(CtxCallSID)).Warn("Plan generation failed, using fallback plan")
		return NewPlan(goal, criteria, fallbackActions())
	}

	return NewPlan(goal, criteria, ParsePlan(text, p.maxSteps))
}

const planningSystemPrompt = "You plan phone conversations for a voice agent. Reply only with numbered steps."

func planningPrompt(goal string, sc SessionContext, history []llm.Message, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if name := sc.String(CtxLeadName); name != "" {
		fmt.Fprintf(&b, "Caller: %s\n", name)
	}
	if company := sc.String(CtxCompanyName); company != "" {
		fmt.Fprintf(&b, "Company: %s\n", company)
	}
	if purpose := sc.String(CtxPurpose); purpose != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", purpose)
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range recent(history, 6) {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	fmt.Fprintf(&b, "\nWrite at most %d steps, one per line, in the form\n", maxSteps)
	b.WriteString("1. SPEAK: <what to say>\n2. LISTEN: <what you expect to hear>\n")
	b.WriteString("Only add END: <reason> if the conversation should finish.")
	return b.String()
}

// ParsePlan converts model output into actions. Numbered SPEAK/LISTEN/END
// lines map directly; other lines with a question mark become Speak then
// Listen; remaining non-empty lines become Speak. An empty result is
// replaced by the clarification fallback, and the list is cut at maxSteps.
func ParsePlan(text string, maxSteps int) []Action {
	var actions []Action
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := stepLine.FindStringSubmatch(line); m != nil {
			content := strings.TrimSpace(m[2])
			switch strings.ToUpper(m[1]) {
			case "SPEAK":
				if content != "" {
					actions = append(actions, Speak{Content: content})
				}
			case "LISTEN":
				actions = append(actions, Listen{ExpectedInput: content, TimeoutSeconds: defaultListenTimeout})
			case "END":
				actions = append(actions, EndConversation{Reason: content})
			}
			continue
		}

		content := strings.TrimSpace(numberLead.ReplaceAllString(line, ""))
		if content == "" {
			continue
		}
		if strings.Contains(content, "?") {
			actions = append(actions,
				Speak{Content: content},
				Listen{ExpectedInput: "answer", TimeoutSeconds: defaultListenTimeout},
			)
			continue
		}
		actions = append(actions, Speak{Content: content})
	}

	if len(actions) == 0 {
		actions = fallbackActions()
	}
	if maxSteps > 0 && len(actions) > maxSteps {
		actions = actions[:maxSteps]
	}
	return actions
}

func fallbackActions() []Action {
	return []Action{
		Speak{Content: "Could you tell me a little more about what you're looking for?"},
		Listen{ExpectedInput: "clarification", TimeoutSeconds: defaultListenTimeout},
	}
}

// AdaptPlan keeps nearly finished plans, and replans when recent turns
// contain a derailment keyword.
func (p *Planner) AdaptPlan(ctx context.Context, plan *Plan, sc SessionContext, history []llm.Message) *Plan {
	if plan == nil {
		return p.CreatePlan(ctx, "", sc, history)
	}
	if plan.Progress > adaptProgressCeiling {
		return plan
	}

	keyword, derailed := detectDerailment(history)
	if !derailed {
		return plan
	}
	p.logger.WithFields(logrus.Fields{
		"call_sid": sc.String(CtxCallSID),
		"keyword":  keyword,
		"progress": plan.Progress,
	}).Info("Conversation derailed, replanning")
	return p.CreatePlan(ctx, plan.Goal, sc, history)
}

func detectDerailment(history []llm.Message) (string, bool) {
	for _, m := range recent(history, derailmentWindow) {
		text := strings.ToLower(m.Content)
		for _, kw := range DerailmentKeywords {
			if strings.Contains(text, kw) {
				return kw, true
			}
		}
	}
	return "", false
}

// EvaluateProgress weighs plan progress 0.6 and goal keyword coverage in
// the conversation 0.4.
func (p *Planner) EvaluateProgress(plan *Plan, history []llm.Message) float64 {
	if plan == nil {
		return 0
	}
	score := 0.6*plan.Progress + 0.4*keywordOverlap(plan.Goal, history)
	if score > 1 {
		score = 1
	}
	return score
}

func keywordOverlap(goal string, history []llm.Message) float64 {
	words := goalKeywords(goal)
	if len(words) == 0 {
		return 0
	}
	var conv strings.Builder
	for _, m := range history {
		conv.WriteString(strings.ToLower(m.Content))
		conv.WriteByte(' ')
	}
	text := conv.String()

	hits := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

func goalKeywords(goal string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		if len(w) <= 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func recent(history []llm.Message, n int) []llm.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
