package rag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeSearcher struct {
	passages   []Passage
	err        error
	collection string
	limit      int
}

func (f *fakeSearcher) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Passage, error) {
	f.collection = collection
	f.limit = limit
	return f.passages, f.err
}

func (f *fakeSearcher) Close() error { return nil }

func TestRetrieveFiltersByScore(t *testing.T) {
	searcher := &fakeSearcher{passages: []Passage{
		{Content: "Plans start at $49 per month.", Score: 0.82},
		{Content: "We integrate with Salesforce.", Score: 0.41},
		{Content: "Unrelated", Score: 0.12},
		{Content: "  ", Score: 0.9},
	}}
	r := NewRetriever(quietLogger(), &fakeEmbedder{}, searcher, nil, 0, 0.3)

	out, err := r.Retrieve(context.Background(), "how much does it cost", "acme", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Plans start at $49 per month.", "We integrate with Salesforce."}, out)
	assert.Equal(t, "acme", searcher.collection)
	assert.Equal(t, 3, searcher.limit, "default limit applies")
}

func TestRetrieveRequiresNamespace(t *testing.T) {
	embedder := &fakeEmbedder{}
	r := NewRetriever(quietLogger(), embedder, &fakeSearcher{}, nil, 3, 0)
	_, err := r.Retrieve(context.Background(), "pricing", " ", 3)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
	assert.Zero(t, embedder.calls)
}

func TestRetrieveBreakerOpens(t *testing.T) {
	breakers := circuitbreaker.NewManager(quietLogger(), nil)
	embedder := &fakeEmbedder{err: errors.ErrNetworkFailure}
	r := NewRetriever(quietLogger(), embedder, &fakeSearcher{}, breakers, 3, 0)

	threshold := circuitbreaker.CollaboratorConfig().FailureThreshold
	for i := 0; i < threshold+3; i++ {
		_, err := r.Retrieve(context.Background(), "pricing", "acme", 3)
		assert.Error(t, err)
	}
	assert.Equal(t, threshold, embedder.calls, "open breaker short-circuits")
}

func TestHTTPEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, []string{"pricing"}, req.Input)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,-0.25]}]}`))
	}))
	defer server.Close()

	vec, err := NewHTTPEmbedder(server.URL, "sk-test", "text-embedding-3-small").Embed(context.Background(), "pricing")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, vec)
}

func TestHTTPEmbedderErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			_, _ = w.Write([]byte(`{"data":[]}`))
			return
		}
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewHTTPEmbedder(server.URL, "k", "m").Embed(context.Background(), "q")
	assert.Error(t, err)

	_, err = NewHTTPEmbedder(server.URL+"/empty", "k", "m").Embed(context.Background(), "q")
	assert.True(t, errors.IsErrorType(err, errors.ErrEmptyResponse))

	_, err = NewHTTPEmbedder(server.URL, "", "m").Embed(context.Background(), "q")
	assert.True(t, errors.IsErrorType(err, errors.ErrNotConfigured))
}

func TestToPassages(t *testing.T) {
	points := []*qdrant.ScoredPoint{
		{
			Id:    qdrant.NewIDNum(7),
			Score: 0.8,
			Payload: map[string]*qdrant.Value{
				"content": qdrant.NewValueString("Demo calls last 30 minutes."),
				"source":  qdrant.NewValueString("faq"),
			},
		},
		{
			Id:      qdrant.NewID("4b1f6c2e-8e0d-4a4c-9f55-1c1d2b3a4f5e"),
			Score:   0.5,
			Payload: map[string]*qdrant.Value{"text": qdrant.NewValueString("Fallback text key")},
		},
	}
	out := toPassages(points)
	require.Len(t, out, 2)
	assert.Equal(t, "7", out[0].ID)
	assert.Equal(t, "Demo calls last 30 minutes.", out[0].Content)
	assert.Equal(t, "faq", out[0].Metadata["source"])
	assert.Equal(t, "4b1f6c2e-8e0d-4a4c-9f55-1c1d2b3a4f5e", out[1].ID)
	assert.Equal(t, "Fallback text key", out[1].Content)
}

func TestNewRetrieverFromConfigDisabled(t *testing.T) {
	r, err := NewRetrieverFromConfig(quietLogger(), config.RAGConfig{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, r.Close())
}
