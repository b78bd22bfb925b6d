package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"voicecall-engine/pkg/errors"
)

// Embedder turns a query into a dense vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an OpenAI compatible /embeddings endpoint
type HTTPEmbedder struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

// NewHTTPEmbedder creates an embedder for the given endpoint
func NewHTTPEmbedder(url, apiKey, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:    url,
		apiKey: apiKey,
		model:  model,
		http:   &http.Client{},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, errors.NewNotConfigured("embedding api key")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.NewInvalidInput("empty embedding input")
	}

	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal embedding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build embedding request")
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetworkFailure, fmt.Sprintf("embedding request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.New(fmt.Sprintf("embedding request failed with status %d", resp.StatusCode), map[string]interface{}{
			"status": resp.StatusCode,
			"body":   string(msg),
		})
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode embedding response")
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyResponse, "embedding response had no vectors")
	}
	return parsed.Data[0].Embedding, nil
}
