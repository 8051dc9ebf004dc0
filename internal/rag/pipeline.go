package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/embedding"
	"github.com/nikhilbhutani/docchat/internal/vectorstore"
	"github.com/nikhilbhutani/docchat/pkg/chunker"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
	"github.com/nikhilbhutani/docchat/pkg/tokenizer"
)

// Processor turns raw bytes into ordered chunks.
type Processor interface {
	Process(ctx context.Context, data []byte, format textextract.Format) ([]chunker.TextChunk, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]embedding.Vector, error)
}

type IngestRequest struct {
	DocumentID uuid.UUID
	Format     textextract.Format
	Data       []byte
}

type IngestResult struct {
	Chunks int
	Model  string
}

// Pipeline runs extract, chunk, embed and index for one document. The index
// is only touched once every chunk has a vector, so a failure at any step
// leaves the previous chunk set in place.
type Pipeline struct {
	processor Processor
	embedder  Embedder
	store     vectorstore.Store
	logger    *slog.Logger
}

func NewPipeline(processor Processor, embedder Embedder, store vectorstore.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{processor: processor, embedder: embedder, store: store, logger: logger}
}

func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	start := time.Now()

	parts, err := p.processor.Process(ctx, req.Data, req.Format)
	if err != nil {
		return IngestResult{}, fmt.Errorf("process document: %w", err)
	}

	texts := make([]string, len(parts))
	for i, c := range parts {
		texts[i] = c.Content
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return IngestResult{}, fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(parts) || len(parts) == 0 {
		return IngestResult{}, apperr.Transient(fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(parts)))
	}

	chunks := make([]vectorstore.Chunk, len(parts))
	for i, c := range parts {
		chunks[i] = vectorstore.Chunk{
			DocumentID:     req.DocumentID,
			ChunkIndex:     c.Index,
			Content:        c.Content,
			TokenCount:     tokenizer.CountTokens(c.Content),
			Embedding:      vectors[i].Values,
			EmbeddingModel: vectors[i].Model,
		}
	}

	if err := p.store.Replace(ctx, req.DocumentID, chunks); err != nil {
		if !apperr.IsPermanent(err) {
			err = apperr.Transient(err)
		}
		return IngestResult{}, fmt.Errorf("store chunks: %w", err)
	}

	p.logger.Info("document indexed",
		"document_id", req.DocumentID,
		"chunks", len(chunks),
		"model", vectors[0].Model,
		"duration", time.Since(start),
	)
	return IngestResult{Chunks: len(chunks), Model: vectors[0].Model}, nil
}
