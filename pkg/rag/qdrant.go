package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
)

// Passage is one knowledge base hit
type Passage struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]interface{}
}

// Searcher runs a vector search within one collection
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]Passage, error)
	Close() error
}

// QdrantSearcher searches Qdrant collections, one per knowledge namespace
type QdrantSearcher struct {
	client *qdrant.Client
}

// NewQdrantSearcher opens a gRPC connection to Qdrant
func NewQdrantSearcher(cfg config.RAGConfig) (*QdrantSearcher, error) {
	if cfg.QdrantHost == "" {
		return nil, errors.NewInvalidInput("qdrant host is required")
	}
	port := cfg.QdrantPort
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   port,
		APIKey: cfg.QdrantAPIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create qdrant client")
	}
	return &QdrantSearcher{client: client}, nil
}

func (q *QdrantSearcher) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Passage, error) {
	lim := uint64(limit)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "qdrant search failed", map[string]interface{}{"collection": collection})
	}
	return toPassages(points), nil
}

func (q *QdrantSearcher) Close() error {
	return q.client.Close()
}

func toPassages(points []*qdrant.ScoredPoint) []Passage {
	out := make([]Passage, 0, len(points))
	for _, point := range points {
		p := Passage{Score: point.GetScore(), Metadata: make(map[string]interface{})}
		if id := point.GetId(); id != nil {
			if u := id.GetUuid(); u != "" {
				p.ID = u
			} else {
				p.ID = fmt.Sprintf("%d", id.GetNum())
			}
		}
		for k, v := range point.GetPayload() {
			switch k {
			case "content", "text":
				if s := v.GetStringValue(); s != "" && p.Content == "" {
					p.Content = s
				}
			default:
				p.Metadata[k] = payloadValue(v)
			}
		}
		out = append(out, p)
	}
	return out
}

func payloadValue(v *qdrant.Value) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}
