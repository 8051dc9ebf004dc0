package vectorstore

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// DocumentInfo is what the memory store needs to know about a document to
// apply query scoping.
type DocumentInfo struct {
	Owner     uuid.UUID
	Filename  string
	Completed bool
}

// ScopeFunc looks up a document's owner and state. ok is false for
// unknown documents.
type ScopeFunc func(ctx context.Context, id uuid.UUID) (info DocumentInfo, ok bool)

// MemoryStore is an in-process Store. Each document's chunk slice is
// swapped whole under the lock, which gives Replace its all-or-nothing
// visibility.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[uuid.UUID][]Chunk
	scope ScopeFunc
}

func NewMemoryStore(scope ScopeFunc) *MemoryStore {
	return &MemoryStore{docs: make(map[uuid.UUID][]Chunk), scope: scope}
}

func (m *MemoryStore) Replace(_ context.Context, documentID uuid.UUID, chunks []Chunk) error {
	if err := validate(documentID, chunks); err != nil {
		return err
	}
	cp := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = slices.Clone(c.Embedding)
		cp[i] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cp) == 0 {
		delete(m.docs, documentID)
		return nil
	}
	m.docs[documentID] = cp
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, req QueryRequest) ([]Result, error) {
	var allowed map[uuid.UUID]bool
	if len(req.Filter.DocumentIDs) > 0 {
		allowed = make(map[uuid.UUID]bool, len(req.Filter.DocumentIDs))
		for _, id := range req.Filter.DocumentIDs {
			allowed[id] = true
		}
	}

	m.mu.RLock()
	snapshot := make(map[uuid.UUID][]Chunk, len(m.docs))
	for id, chunks := range m.docs {
		if allowed == nil || allowed[id] {
			snapshot[id] = chunks
		}
	}
	m.mu.RUnlock()

	var results []Result
	for id, chunks := range snapshot {
		info, ok := m.scope(ctx, id)
		if !ok || !info.Completed || info.Owner != req.Filter.Owner {
			continue
		}
		for _, c := range chunks {
			if req.Model != "" && c.EmbeddingModel != req.Model {
				continue
			}
			score := cosine(req.Embedding, c.Embedding)
			if req.MinScore > 0 && score < req.MinScore {
				continue
			}
			results = append(results, Result{
				ChunkID:    ChunkID(id, c.ChunkIndex),
				Score:      score,
				Text:       c.Content,
				DocumentID: id,
				ChunkIndex: c.ChunkIndex,
				Filename:   info.Filename,
			})
		}
	}

	slices.SortFunc(results, func(a, b Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if c := slices.Compare(a.DocumentID[:], b.DocumentID[:]); c != 0 {
			return c
		}
		return a.ChunkIndex - b.ChunkIndex
	})
	if k := defaultTopK(req.TopK); len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *MemoryStore) Delete(_ context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	delete(m.docs, documentID)
	m.mu.Unlock()
	return nil
}

// Count returns the number of chunks stored for a document, visible or not.
func (m *MemoryStore) Count(documentID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[documentID])
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
