package rag

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/circuitbreaker"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/metrics"
)

const breakerName = "rag"

// Retriever answers knowledge base queries scoped to a namespace
type Retriever struct {
	logger   *logrus.Logger
	embedder Embedder
	searcher Searcher
	breakers *circuitbreaker.Manager
	limit    int
	minScore float32
}

// NewRetriever wires an embedder and a searcher together
func NewRetriever(logger *logrus.Logger, embedder Embedder, searcher Searcher, breakers *circuitbreaker.Manager, limit int, minScore float64) *Retriever {
	if limit <= 0 {
		limit = 3
	}
	return &Retriever{
		logger:   logger,
		embedder: embedder,
		searcher: searcher,
		breakers: breakers,
		limit:    limit,
		minScore: float32(minScore),
	}
}

// NewRetrieverFromConfig returns nil when retrieval is disabled
func NewRetrieverFromConfig(logger *logrus.Logger, cfg config.RAGConfig, breakers *circuitbreaker.Manager) (*Retriever, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	searcher, err := NewQdrantSearcher(cfg)
	if err != nil {
		return nil, err
	}
	embedder := NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	logger.WithFields(logrus.Fields{
		"host":  cfg.QdrantHost,
		"port":  cfg.QdrantPort,
		"model": cfg.EmbeddingModel,
	}).Info("Knowledge retrieval enabled")
	return NewRetriever(logger, embedder, searcher, breakers, cfg.Limit, cfg.MinScore), nil
}

// Search returns scored passages above the minimum score
func (r *Retriever) Search(ctx context.Context, query, namespace string, limit int) ([]Passage, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, errors.NewInvalidInput("knowledge namespace is required")
	}
	if limit <= 0 {
		limit = r.limit
	}

	defer metrics.ObserveProviderLatency("rag", "qdrant")()
	var passages []Passage
	err := r.guard(ctx, func(ctx context.Context) error {
		vector, err := r.embedder.Embed(ctx, query)
		if err != nil {
			return err
		}
		passages, err = r.searcher.Search(ctx, namespace, vector, limit)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			metrics.RecordProviderError("rag", "qdrant", "search")
		}
		return nil, err
	}

	kept := passages[:0]
	for _, p := range passages {
		if p.Score >= r.minScore && strings.TrimSpace(p.Content) != "" {
			kept = append(kept, p)
		}
	}
	r.logger.WithFields(logrus.Fields{
		"namespace": namespace,
		"hits":      len(passages),
		"kept":      len(kept),
	}).Debug("Knowledge base searched")
	return kept, nil
}

// Retrieve returns passage contents, best first
func (r *Retriever) Retrieve(ctx context.Context, query, namespace string, limit int) ([]string, error) {
	passages, err := r.Search(ctx, query, namespace, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		out = append(out, p.Content)
	}
	return out, nil
}

func (r *Retriever) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.breakers == nil {
		return fn(ctx)
	}
	return r.breakers.GetCircuitBreaker(breakerName, circuitbreaker.CollaboratorConfig()).Execute(ctx, fn)
}

// Close releases the searcher connection
func (r *Retriever) Close() error {
	if r == nil || r.searcher == nil {
		return nil
	}
	return r.searcher.Close()
}
