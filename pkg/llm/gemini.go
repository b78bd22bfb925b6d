package llm

import (
	"context"
	"fmt"
	"strings"

	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/metrics"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// GeminiClient talks to the Gemini API through the genai SDK
type GeminiClient struct {
	logger   *logrus.Logger
	config   config.LLMConfig
	client   *genai.Client
	breakers *circuitbreaker.Manager
}

// NewGeminiClient creates the client
func NewGeminiClient(ctx context.Context, logger *logrus.Logger, cfg config.LLMConfig, breakers *circuitbreaker.Manager) (*GeminiClient, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is empty", ErrNotConfigured)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{
		logger:   logger,
		config:   cfg,
		client:   client,
		breakers: breakers,
	}, nil
}

// Name returns the provider name
func (c *GeminiClient) Name() string {
	return "gemini"
}

func (c *GeminiClient) generateConfig(system string) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(c.config.Temperature)),
	}
	if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return gc
}

// buildContents maps history onto Gemini roles; system turns are folded
// into the system instruction by the caller.
func buildContents(prompt string, history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if prompt != "" {
		contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	}
	return contents
}

// Generate returns one complete reply
func (c *GeminiClient) Generate(ctx context.Context, prompt string, history []Message, system string) (string, error) {
	defer metrics.ObserveProviderLatency("llm", c.Name())()

	var text string
	err := guard(ctx, c.breakers, c.Name(), func(ctx context.Context) error {
		resp, err := c.client.Models.GenerateContent(ctx, c.config.GeminiModel, buildContents(prompt, history), c.generateConfig(system))
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text())
		return nil
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// GenerateStream yields text parts as Gemini produces them
func (c *GeminiClient) GenerateStream(ctx context.Context, prompt string, history []Message, system string) (<-chan string, <-chan error) {
	tokens := make(chan string, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(tokens)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.GeminiModel, buildContents(prompt, history), c.generateConfig(system)) {
			if err != nil {
				errs <- err
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case tokens <- text:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return tokens, errs
}

// GenerateWithTools offers tools as function declarations
func (c *GeminiClient) GenerateWithTools(ctx context.Context, prompt, system string, tools []ToolSchema) (*ToolResponse, error) {
	defer metrics.ObserveProviderLatency("llm_tools", c.Name())()

	gc := c.generateConfig(system)
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toSchema(t.Parameters),
		})
	}
	gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

	var resp *genai.GenerateContentResponse
	err := guard(ctx, c.breakers, c.Name(), func(ctx context.Context) error {
		var err error
		resp, err = c.client.Models.GenerateContent(ctx, c.config.GeminiModel, buildContents(prompt, nil), gc)
		return err
	})
	if err != nil {
		return nil, err
	}

	if calls := resp.FunctionCalls(); len(calls) > 0 {
		args := calls[0].Args
		if args == nil {
			args = map[string]interface{}{}
		}
		return &ToolResponse{ToolName: calls[0].Name, Arguments: args}, nil
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &ToolResponse{Text: text}, nil
}

// toSchema converts a JSON schema object into the SDK's schema type. Only
// the keywords the tool definitions use are carried over.
func toSchema(m map[string]interface{}) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]interface{}); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]interface{}); ok {
		s.Items = toSchema(items)
	}
	s.Required = stringList(m["required"])
	s.Enum = stringList(m["enum"])
	return s
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
