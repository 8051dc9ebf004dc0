package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
)

// Chunk is one embedded slice of a document's text.
type Chunk struct {
	DocumentID     uuid.UUID
	ChunkIndex     int
	Content        string
	TokenCount     int
	Embedding      []float32
	EmbeddingModel string
}

// Filter scopes a query to the documents a caller may see. Owner is
// required; an empty DocumentIDs means every completed document of the owner.
type Filter struct {
	Owner       uuid.UUID
	DocumentIDs []uuid.UUID
}

type QueryRequest struct {
	Embedding []float32
	// Model restricts results to chunks embedded with the same model as the
	// query vector. Empty matches any model.
	Model    string
	TopK     int
	MinScore float64
	Filter   Filter
}

type Result struct {
	ChunkID    string    `json:"chunk_id"`
	Score      float64   `json:"score"`
	Text       string    `json:"text"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Filename   string    `json:"filename"`
}

// Store is the vector index. Only chunks of completed documents are
// visible to Query.
type Store interface {
	// Replace swaps the full chunk set of a document. Readers see either the
	// previous set or the new one, never a mix.
	Replace(ctx context.Context, documentID uuid.UUID, chunks []Chunk) error
	Query(ctx context.Context, req QueryRequest) ([]Result, error)
	// Delete removes every chunk of the document. Deleting an absent
	// document is not an error.
	Delete(ctx context.Context, documentID uuid.UUID) error
}

func ChunkID(documentID uuid.UUID, index int) string {
	return documentID.String() + ":" + strconv.Itoa(index)
}

// ParseChunkID splits an id built by ChunkID.
func ParseChunkID(id string) (uuid.UUID, int, error) {
	docPart, idxPart, ok := strings.Cut(id, ":")
	if !ok {
		return uuid.Nil, 0, fmt.Errorf("malformed chunk id %q", id)
	}
	docID, err := uuid.Parse(docPart)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("malformed chunk id %q: %w", id, err)
	}
	idx, err := strconv.Atoi(idxPart)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("malformed chunk id %q: %w", id, err)
	}
	return docID, idx, nil
}

func validate(documentID uuid.UUID, chunks []Chunk) error {
	dim := -1
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %d belongs to document %s, not %s", c.ChunkIndex, c.DocumentID, documentID)
		}
		if seen[c.ChunkIndex] {
			return fmt.Errorf("duplicate chunk index %d", c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true
		if dim == -1 {
			dim = len(c.Embedding)
		} else if len(c.Embedding) != dim {
			return apperr.Permanent(fmt.Errorf("%w: chunk %d has %d, want %d",
				apperr.ErrDimensionMismatch, c.ChunkIndex, len(c.Embedding), dim))
		}
	}
	return nil
}

func defaultTopK(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}
