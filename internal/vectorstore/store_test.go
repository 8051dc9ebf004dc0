package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/llm/llmtest"
)

const model = "test-model"

type scopeTable struct {
	mu   sync.Mutex
	docs map[uuid.UUID]DocumentInfo
}

func (s *scopeTable) set(id uuid.UUID, info DocumentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = info
}

func (s *scopeTable) lookup(_ context.Context, id uuid.UUID) (DocumentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.docs[id]
	return info, ok
}

func newStore() (*MemoryStore, *scopeTable) {
	table := &scopeTable{docs: make(map[uuid.UUID]DocumentInfo)}
	return NewMemoryStore(table.lookup), table
}

func chunksOf(docID uuid.UUID, texts ...string) []Chunk {
	out := make([]Chunk, len(texts))
	for i, t := range texts {
		out[i] = Chunk{
			DocumentID:     docID,
			ChunkIndex:     i,
			Content:        t,
			Embedding:      llmtest.HashVector(t, llmtest.DefaultDim),
			EmbeddingModel: model,
		}
	}
	return out
}

func query(owner uuid.UUID, text string, k int, docs ...uuid.UUID) QueryRequest {
	return QueryRequest{
		Embedding: llmtest.HashVector(text, llmtest.DefaultDim),
		Model:     model,
		TopK:      k,
		Filter:    Filter{Owner: owner, DocumentIDs: docs},
	}
}

func TestMemoryStore_ExactTextRoundTrip(t *testing.T) {
	store, table := newStore()
	ctx := context.Background()
	owner, doc := uuid.New(), uuid.New()
	table.set(doc, DocumentInfo{Owner: owner, Filename: "guide.txt", Completed: true})

	texts := []string{
		"the quick brown fox jumps over the lazy dog",
		"quarterly revenue grew by twelve percent",
		"install the package with the default options",
	}
	require.NoError(t, store.Replace(ctx, doc, chunksOf(doc, texts...)))

	for i, text := range texts {
		res, err := store.Query(ctx, query(owner, text, 3))
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, ChunkID(doc, i), res[0].ChunkID)
		assert.Equal(t, text, res[0].Text)
		assert.Equal(t, "guide.txt", res[0].Filename)
		assert.InDelta(t, 1.0, res[0].Score, 1e-6)
	}
}

func TestMemoryStore_ScopeFiltering(t *testing.T) {
	store, table := newStore()
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	docA, docB, pending, foreign := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	table.set(docA, DocumentInfo{Owner: owner, Completed: true})
	table.set(docB, DocumentInfo{Owner: owner, Completed: true})
	table.set(pending, DocumentInfo{Owner: owner, Completed: false})
	table.set(foreign, DocumentInfo{Owner: other, Completed: true})

	text := "shared words appear in every document"
	for _, id := range []uuid.UUID{docA, docB, pending, foreign} {
		require.NoError(t, store.Replace(ctx, id, chunksOf(id, text)))
	}

	res, err := store.Query(ctx, query(owner, text, 10))
	require.NoError(t, err)
	got := map[uuid.UUID]bool{}
	for _, r := range res {
		got[r.DocumentID] = true
	}
	assert.Equal(t, map[uuid.UUID]bool{docA: true, docB: true}, got, "only completed documents of the owner")

	res, err = store.Query(ctx, query(owner, text, 10, docB, foreign))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, docB, res[0].DocumentID)
}

func TestMemoryStore_ModelMismatchExcluded(t *testing.T) {
	store, table := newStore()
	ctx := context.Background()
	owner, doc := uuid.New(), uuid.New()
	table.set(doc, DocumentInfo{Owner: owner, Completed: true})
	require.NoError(t, store.Replace(ctx, doc, chunksOf(doc, "hello world")))

	req := query(owner, "hello world", 5)
	req.Model = "another-model"
	res, err := store.Query(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMemoryStore_ReplaceIsAtomic(t *testing.T) {
	store, table := newStore()
	ctx := context.Background()
	owner, doc := uuid.New(), uuid.New()
	table.set(doc, DocumentInfo{Owner: owner, Completed: true})

	generation := func(g int) []Chunk {
		texts := make([]string, 5)
		for i := range texts {
			texts[i] = fmt.Sprintf("generation%d common text part %d", g, i)
		}
		return chunksOf(doc, texts...)
	}
	require.NoError(t, store.Replace(ctx, doc, generation(0)))

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for g := 1; g <= 200; g++ {
			_ = store.Replace(ctx, doc, generation(g%2))
		}
		stop.Store(true)
	}()

	mixed := 0
	for !stop.Load() {
		res, err := store.Query(ctx, query(owner, "common text part", 10))
		require.NoError(t, err)
		require.Len(t, res, 5)
		gens := map[string]bool{}
		for _, r := range res {
			gens[r.Text[:len("generationN")]] = true
		}
		if len(gens) != 1 {
			mixed++
		}
	}
	wg.Wait()
	assert.Zero(t, mixed, "queries observed a mix of old and new chunks")
}

func TestMemoryStore_DeleteIdempotent(t *testing.T) {
	store, table := newStore()
	ctx := context.Background()
	owner, doc := uuid.New(), uuid.New()
	table.set(doc, DocumentInfo{Owner: owner, Completed: true})
	require.NoError(t, store.Replace(ctx, doc, chunksOf(doc, "a", "b")))
	assert.Equal(t, 2, store.Count(doc))

	require.NoError(t, store.Delete(ctx, doc))
	require.NoError(t, store.Delete(ctx, doc))
	require.NoError(t, store.Delete(ctx, uuid.New()))
	assert.Zero(t, store.Count(doc))
}

func TestReplace_Validation(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()
	doc := uuid.New()

	mixed := chunksOf(doc, "one", "two")
	mixed[1].Embedding = mixed[1].Embedding[:8]
	err := store.Replace(ctx, doc, mixed)
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)

	foreign := chunksOf(uuid.New(), "one")
	assert.Error(t, store.Replace(ctx, doc, foreign))

	dup := chunksOf(doc, "one", "two")
	dup[1].ChunkIndex = 0
	assert.Error(t, store.Replace(ctx, doc, dup))
	assert.Zero(t, store.Count(doc))
}

func TestChunkID(t *testing.T) {
	doc := uuid.New()
	id := ChunkID(doc, 7)
	gotDoc, gotIdx, err := ParseChunkID(id)
	require.NoError(t, err)
	assert.Equal(t, doc, gotDoc)
	assert.Equal(t, 7, gotIdx)

	_, _, err = ParseChunkID("nope")
	assert.Error(t, err)
}
