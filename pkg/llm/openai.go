package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// OpenAIClient talks to any OpenAI compatible /chat/completions endpoint
type OpenAIClient struct {
	logger   *logrus.Logger
	config   config.LLMConfig
	http     *http.Client
	breakers *circuitbreaker.Manager
}

// NewOpenAIClient creates the client. Requests carry no client timeout;
// callers bound them with their context.
func NewOpenAIClient(logger *logrus.Logger, cfg config.LLMConfig, breakers *circuitbreaker.Manager) *OpenAIClient {
	return &OpenAIClient{
		logger:   logger,
		config:   cfg,
		http:     &http.Client{},
		breakers: breakers,
	}
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return "openai"
}

type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature"`
	Stream      bool       `json:"stream,omitempty"`
	Tools       []chatTool `json:"tools,omitempty"`
	ToolChoice  string     `json:"tool_choice,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// statusError carries a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chat completion failed with status %d: %s", e.code, e.body)
}

// retryable reports whether a different model might succeed
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return false
}

func buildMessages(prompt string, history []Message, system string) []Message {
	messages := make([]Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	if prompt != "" {
		messages = append(messages, Message{Role: RoleUser, Content: prompt})
	}
	return messages
}

func (c *OpenAIClient) newRequest(req chatRequest) chatRequest {
	if req.Model == "" {
		req.Model = c.config.Model
	}
	req.MaxTokens = c.config.MaxTokens
	req.Temperature = c.config.Temperature
	return req
}

func (c *OpenAIClient) post(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// complete posts req and retries once on the fallback model for server side
// failures.
func (c *OpenAIClient) complete(ctx context.Context, req chatRequest) (*chatResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil && retryable(err) && c.config.FallbackModel != "" && c.config.FallbackModel != req.Model {
		c.logger.WithError(err).WithField("fallback_model", c.config.FallbackModel).Warn("Retrying chat completion on fallback model")
		req.Model = c.config.FallbackModel
		resp, err = c.post(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return &out, nil
}

// Generate returns one complete reply
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, history []Message, system string) (string, error) {
	defer metrics.ObserveProviderLatency("llm", c.Name())()

	var text string
	err := guard(ctx, c.breakers, c.Name(), func(ctx context.Context) error {
		out, err := c.complete(ctx, c.newRequest(chatRequest{Messages: buildMessages(prompt, history, system)}))
		if err != nil {
			return err
		}
		text = strings.TrimSpace(out.Choices[0].Message.Content)
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

// GenerateStream streams tokens from server sent events
func (c *OpenAIClient) GenerateStream(ctx context.Context, prompt string, history []Message, system string) (<-chan string, <-chan error) {
	req := c.newRequest(chatRequest{Messages: buildMessages(prompt, history, system), Stream: true})

	var resp *http.Response
	err := guard(ctx, c.breakers, c.Name(), func(context.Context) error {
		// The body is read after the breaker returns, so it keeps ctx
		var err error
		resp, err = c.post(ctx, req)
		if err != nil && retryable(err) && c.config.FallbackModel != "" && c.config.FallbackModel != req.Model {
			req.Model = c.config.FallbackModel
			resp, err = c.post(ctx, req)
		}
		return err
	})
	if err != nil {
		return failedStream(err)
	}

	tokens := make(chan string, 32)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(tokens)
		defer resp.Body.Close()
		if err := readSSE(ctx, resp.Body, tokens); err != nil {
			errs <- err
		}
	}()
	return tokens, errs
}

// readSSE forwards delta content from "data:" lines until [DONE]
func readSSE(ctx context.Context, body io.Reader, tokens chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case tokens <- choice.Delta.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("token stream interrupted: %w", err)
	}
	return nil
}

// GenerateWithTools offers tools with automatic choice. A 400 or 404 on a
// tool request is taken to mean the model or gateway lacks tool support.
func (c *OpenAIClient) GenerateWithTools(ctx context.Context, prompt, system string, tools []ToolSchema) (*ToolResponse, error) {
	defer metrics.ObserveProviderLatency("llm_tools", c.Name())()

	req := c.newRequest(chatRequest{
		Messages:   buildMessages(prompt, nil, system),
		ToolChoice: "auto",
	})
	for _, t := range tools {
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	var out *chatResponse
	var unsupported error
	err := guard(ctx, c.breakers, c.Name(), func(ctx context.Context) error {
		var err error
		out, err = c.complete(ctx, req)
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusBadRequest || se.code == http.StatusNotFound) {
			unsupported = fmt.Errorf("%w: %v", ErrToolsUnsupported, err)
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if unsupported != nil {
		return nil, unsupported
	}

	msg := out.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0].Function
		args := map[string]interface{}{}
		if strings.TrimSpace(call.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				c.logger.WithError(err).WithField("tool", call.Name).Warn("Tool arguments are not valid JSON")
			}
		}
		return &ToolResponse{ToolName: call.Name, Arguments: args, Text: strings.TrimSpace(msg.Content)}, nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &ToolResponse{Text: text}, nil
}
