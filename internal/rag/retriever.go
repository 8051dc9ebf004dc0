package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/embedding"
	"github.com/nikhilbhutani/docchat/internal/vectorstore"
)

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) (embedding.Vector, error)
}

type Retriever struct {
	store    vectorstore.Store
	embedder QueryEmbedder
}

func NewRetriever(store vectorstore.Store, embedder QueryEmbedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

type RetrieveOptions struct {
	Owner       uuid.UUID
	DocumentIDs []uuid.UUID
	TopK        int
	MinScore    float64
}

// Retrieve embeds the query and returns up to TopK passages. Twice as many
// chunks are fetched as requested since merging overlapping neighbours
// shrinks the list.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Passage, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.store.Query(ctx, vectorstore.QueryRequest{
		Embedding: vec.Values,
		Model:     vec.Model,
		TopK:      opts.TopK * 2,
		MinScore:  opts.MinScore,
		Filter: vectorstore.Filter{
			Owner:       opts.Owner,
			DocumentIDs: opts.DocumentIDs,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	return Dedupe(results, opts.TopK), nil
}
