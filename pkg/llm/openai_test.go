package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"voicecall-engine/pkg/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		Provider:      "openai",
		APIKey:        "sk-test",
		BaseURL:       url,
		Model:         "gpt-4o-mini",
		FallbackModel: "gpt-4o",
		MaxTokens:     300,
		Temperature:   0.7,
	}
}

type recorder struct {
	mu       sync.Mutex
	requests []chatRequest
}

func (r *recorder) add(req chatRequest) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

func decode(t *testing.T, r *http.Request) chatRequest {
	var req chatRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestGenerateSendsHistoryAndSystem(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		rec.add(decode(t, r))
		fmt.Fprint(w, `{"choices":[{"message":{"content":" Sure, I can help. "}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	history := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}
	text, err := client.Generate(context.Background(), "what do you sell?", history, "be brief")
	require.NoError(t, err)
	assert.Equal(t, "Sure, I can help.", text)

	require.Len(t, rec.requests, 1)
	req := rec.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 300, req.MaxTokens)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, Message{Role: RoleSystem, Content: "be brief"}, req.Messages[0])
	assert.Equal(t, Message{Role: RoleUser, Content: "what do you sell?"}, req.Messages[3])
}

func TestGenerateFallsBackOnServerError(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decode(t, r)
		rec.add(req)
		if req.Model == "gpt-4o-mini" {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"from fallback"}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	text, err := client.Generate(context.Background(), "hi", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "from fallback", text)
	require.Len(t, rec.requests, 2)
	assert.Equal(t, "gpt-4o", rec.requests[1].Model)
}

func TestGenerateRejectsEmptyAndClientErrors(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "bad key", status)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"   "}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	_, err := client.Generate(context.Background(), "hi", nil, "")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	status = http.StatusUnauthorized
	_, err = client.Generate(context.Background(), "hi", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestGenerateStreamParsesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decode(t, r)
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Hello", " there", "."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
			flusher.Flush()
		}
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	tokens, errs := client.GenerateStream(context.Background(), "hi", nil, "")

	var got []string
	for tok := range tokens {
		got = append(got, tok)
	}
	assert.NoError(t, <-errs)
	assert.Equal(t, []string{"Hello", " there", "."}, got)
}

func TestGenerateStreamSetupFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	text, err := Collect(client.GenerateStream(context.Background(), "hi", nil, ""))
	assert.Error(t, err)
	assert.Empty(t, text)
}

func TestGenerateWithToolsParsesToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decode(t, r)
		assert.Equal(t, "auto", req.ToolChoice)
		require.Len(t, req.Tools, 2)
		assert.Equal(t, "function", req.Tools[0].Type)
		assert.Equal(t, "schedule_callback", req.Tools[0].Function.Name)
		fmt.Fprint(w, `{"choices":[{"message":{"content":null,"tool_calls":[{"type":"function","function":{"name":"schedule_callback","arguments":"{\"delay_minutes\":60}"}}]}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	resp, err := client.GenerateWithTools(context.Background(), "call me in an hour", "sys", []ToolSchema{
		{Name: "schedule_callback", Parameters: map[string]interface{}{"type": "object"}},
		{Name: "end_call"},
	})
	require.NoError(t, err)
	assert.True(t, resp.HasToolCall())
	assert.Equal(t, "schedule_callback", resp.ToolName)
	assert.Equal(t, float64(60), resp.Arguments["delay_minutes"])
}

func TestGenerateWithToolsTextAndUnsupported(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "tools are not supported for this model", status)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Happy to explain."}}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(quietLogger(), testConfig(server.URL), nil)
	resp, err := client.GenerateWithTools(context.Background(), "explain", "", nil)
	require.NoError(t, err)
	assert.False(t, resp.HasToolCall())
	assert.Equal(t, "Happy to explain.", resp.Text)

	status = http.StatusBadRequest
	_, err = client.GenerateWithTools(context.Background(), "explain", "", nil)
	assert.ErrorIs(t, err, ErrToolsUnsupported)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(context.Background(), quietLogger(), config.LLMConfig{Provider: "openai"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	_, err = NewClient(context.Background(), quietLogger(), config.LLMConfig{Provider: "gemini"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(context.Background(), quietLogger(), config.LLMConfig{Provider: "markov"}, nil)
	assert.Error(t, err)
}

func TestToSchema(t *testing.T) {
	s := toSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"delay_minutes": map[string]interface{}{"type": "integer", "description": "minutes"},
			"urgency":       map[string]interface{}{"type": "string", "enum": []interface{}{"low", "high"}},
		},
		"required": []string{"delay_minutes"},
	})
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, genai.TypeInteger, s.Properties["delay_minutes"].Type)
	assert.Equal(t, []string{"low", "high"}, s.Properties["urgency"].Enum)
	assert.Equal(t, []string{"delay_minutes"}, s.Required)
	assert.Nil(t, toSchema(nil))
}

func TestBuildContentsMapsRoles(t *testing.T) {
	contents := buildContents("next", []Message{
		{Role: RoleSystem, Content: "ignored"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "user", contents[2].Role)
}
