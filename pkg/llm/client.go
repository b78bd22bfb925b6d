package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"

	"github.com/sirupsen/logrus"
)

var (
	// ErrToolsUnsupported means the provider or model cannot do tool calling;
	// callers fall back to a plain response.
	ErrToolsUnsupported = errors.New("tool calling not supported")
	ErrEmptyResponse    = errors.New("language model returned an empty response")
	ErrNotConfigured    = errors.New("language model not configured")
)

// Roles used in Message.Role
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of conversation history
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes one function the model may call. Parameters is a
// JSON schema object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolResponse is either free text or a tool choice with its arguments
type ToolResponse struct {
	Text      string
	ToolName  string
	Arguments map[string]interface{}
}

// HasToolCall reports whether the model selected a tool
func (r *ToolResponse) HasToolCall() bool {
	return r != nil && r.ToolName != ""
}

// Client is the language model contract used by the agent and responder
type Client interface {
	Name() string
	Generate(ctx context.Context, prompt string, history []Message, system string) (string, error)

	// GenerateStream yields tokens until the channel closes. At most one
	// error is delivered on the error channel, which is closed afterwards.
	GenerateStream(ctx context.Context, prompt string, history []Message, system string) (<-chan string, <-chan error)

	GenerateWithTools(ctx context.Context, prompt, system string, tools []ToolSchema) (*ToolResponse, error)
}

// NewClient builds the client named by cfg.Provider
func NewClient(ctx context.Context, logger *logrus.Logger, cfg config.LLMConfig, breakers *circuitbreaker.Manager) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAIClient(logger, cfg, breakers), nil
	case "gemini":
		c, err := NewGeminiClient(ctx, logger, cfg, breakers)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// Collect drains a token stream into one string
func Collect(tokens <-chan string, errs <-chan error) (string, error) {
	var sb strings.Builder
	for tok := range tokens {
		sb.WriteString(tok)
	}
	if err := <-errs; err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}

func guard(ctx context.Context, breakers *circuitbreaker.Manager, name string, fn func(ctx context.Context) error) error {
	if breakers == nil {
		return fn(ctx)
	}
	return breakers.GetCircuitBreaker("llm_"+name, circuitbreaker.LLMConfig()).Execute(ctx, fn)
}

func failedStream(err error) (<-chan string, <-chan error) {
	tokens := make(chan string)
	close(tokens)
	errs := make(chan error, 1)
	errs <- err
	close(errs)
	return tokens, errs
}
