package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/document"
	"github.com/nikhilbhutani/docchat/internal/embedding"
	"github.com/nikhilbhutani/docchat/internal/llm"
	"github.com/nikhilbhutani/docchat/internal/llm/llmtest"
	"github.com/nikhilbhutani/docchat/internal/vectorstore"
	"github.com/nikhilbhutani/docchat/pkg/chunker"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
)

type fixture struct {
	owner    uuid.UUID
	fake     *llmtest.Provider
	embedder *embedding.Service
	store    *vectorstore.MemoryStore
	pipeline *Pipeline
	docs     map[uuid.UUID]vectorstore.DocumentInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		owner: uuid.New(),
		fake:  &llmtest.Provider{Dim: 1024},
		docs:  make(map[uuid.UUID]vectorstore.DocumentInfo),
	}
	svc, err := embedding.NewService(llm.NewGatewayWithProviders(f.fake), embedding.Options{
		Dimension:   1024,
		BatchSize:   2,
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Release)
	f.embedder = svc

	// every document is visible once indexed; status gating is covered by
	// the vectorstore tests
	f.store = vectorstore.NewMemoryStore(func(_ context.Context, id uuid.UUID) (vectorstore.DocumentInfo, bool) {
		info, ok := f.docs[id]
		return info, ok
	})
	processor := document.NewProcessor(nil, chunker.ChunkOptions{ChunkSize: 1000, ChunkOverlap: 200})
	f.pipeline = NewPipeline(processor, svc, f.store, nil)
	return f
}

func (f *fixture) ingest(t *testing.T, filename, text string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.docs[id] = vectorstore.DocumentInfo{Owner: f.owner, Filename: filename, Completed: true}
	_, err := f.pipeline.Ingest(context.Background(), IngestRequest{DocumentID: id, Format: textextract.FormatText, Data: []byte(text)})
	require.NoError(t, err)
	return id
}

func pages(n int, topic string) string {
	var sb strings.Builder
	for p := 1; p <= n; p++ {
		for i := 0; sb.Len() < p*1000; i++ {
			fmt.Fprintf(&sb, "%s%d item%03d ", topic, p, i)
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func TestPipeline_IngestThreePages(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.docs[id] = vectorstore.DocumentInfo{Owner: f.owner, Completed: true}

	res, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DocumentID: id,
		Format:     textextract.FormatText,
		Data:       []byte(pages(3, "page")),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Chunks, 3)
	assert.LessOrEqual(t, res.Chunks, 4)
	assert.Equal(t, "text-embedding-3-small", res.Model)
	assert.Equal(t, res.Chunks, f.store.Count(id))

	// reprocessing replaces rather than appends
	_, err = f.pipeline.Ingest(context.Background(), IngestRequest{
		DocumentID: id,
		Format:     textextract.FormatText,
		Data:       []byte(pages(3, "page")),
	})
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, f.store.Count(id))
}

func TestPipeline_EmbeddingFailureLeavesIndexUntouched(t *testing.T) {
	f := newFixture(t)
	id := f.ingest(t, "a.txt", "original content that was indexed before")
	require.Equal(t, 1, f.store.Count(id))

	f.fake.EmbedErr = func(int) error { return apperr.Transient(errors.New("503 unavailable")) }
	_, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DocumentID: id,
		Format:     textextract.FormatText,
		Data:       []byte(pages(3, "new")),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 1, f.store.Count(id))
}

func TestPipeline_PermanentProcessingError(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DocumentID: uuid.New(),
		Format:     textextract.Format("xlsx"),
		Data:       []byte("a,b"),
	})
	assert.ErrorIs(t, err, apperr.ErrUnsupportedFormat)
	assert.True(t, apperr.IsPermanent(err))
	assert.Zero(t, f.fake.EmbedCalls())
}

func TestRetriever_ScopeDrawsFromMatchingDocument(t *testing.T) {
	f := newFixture(t)
	docA := f.ingest(t, "volcanoes.txt", "Basaltic magma erupts from shield volcanoes in Hawaii. Lava flows cool into basalt.")
	docB := f.ingest(t, "baking.txt", "Sourdough bread needs flour water salt and a starter culture left overnight.")

	r := NewRetriever(f.store, f.embedder)
	passages, err := r.Retrieve(context.Background(), "which volcanoes erupt basaltic magma in Hawaii?", RetrieveOptions{
		Owner:       f.owner,
		DocumentIDs: []uuid.UUID{docA, docB},
		TopK:        5,
		MinScore:    0.15,
	})
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	for _, p := range passages {
		assert.Equal(t, docA, p.DocumentID)
	}
}

func result(doc uuid.UUID, idx int, text string, score float64) vectorstore.Result {
	return vectorstore.Result{
		ChunkID:    vectorstore.ChunkID(doc, idx),
		DocumentID: doc,
		ChunkIndex: idx,
		Text:       text,
		Score:      score,
	}
}

func TestDedupe_StitchesAdjacentChunks(t *testing.T) {
	doc := uuid.New()
	shared := "shared boundary words live here"
	results := []vectorstore.Result{
		result(doc, 1, "middle part. "+shared, 0.9),
		result(doc, 2, shared+" and the tail", 0.8),
		result(doc, 1, "middle part. "+shared, 0.7),
		result(doc, 0, "head text then middle part.", 0.6),
	}

	got := Dedupe(results, 5)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].FirstIndex)
	assert.Equal(t, 2, got[0].LastIndex)
	assert.Equal(t, 0.9, got[0].Score)
	assert.Equal(t, 1, strings.Count(got[0].Text, shared), "overlap not repeated")
	assert.True(t, strings.HasSuffix(got[0].Text, "and the tail"))
	assert.Equal(t, []string{
		vectorstore.ChunkID(doc, 0),
		vectorstore.ChunkID(doc, 1),
		vectorstore.ChunkID(doc, 2),
	}, got[0].ChunkIDs)
}

func TestDedupe_DropsContainedText(t *testing.T) {
	docA, docB := uuid.New(), uuid.New()
	results := []vectorstore.Result{
		result(docA, 4, "The refund window is 30 days from delivery.", 0.9),
		result(docB, 0, "the refund   window is 30 DAYS", 0.8),
		result(docB, 7, "Unrelated shipping note.", 0.5),
	}

	got := Dedupe(results, 5)
	require.Len(t, got, 2)
	assert.Equal(t, docA, got[0].DocumentID)
	assert.Equal(t, "Unrelated shipping note.", got[1].Text)
}

func TestDedupe_CoalescesBridgedPassages(t *testing.T) {
	doc := uuid.New()
	results := []vectorstore.Result{
		result(doc, 3, "three", 0.9),
		result(doc, 5, "five", 0.8),
		result(doc, 4, "four", 0.7),
	}

	got := Dedupe(results, 5)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].FirstIndex)
	assert.Equal(t, 5, got[0].LastIndex)
	assert.Equal(t, "three\nfour\nfive", got[0].Text)
}

func TestDedupe_Limit(t *testing.T) {
	var results []vectorstore.Result
	for i := 0; i < 10; i++ {
		results = append(results, result(uuid.New(), 0, fmt.Sprintf("distinct passage %d", i), 1-float64(i)/10))
	}
	got := Dedupe(results, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "distinct passage 0", got[0].Text)
}

func TestBuildPrompt(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("old question ", 200)},
		{Role: llm.RoleAssistant, Content: "old answer"},
		{Role: llm.RoleUser, Content: "recent question"},
		{Role: llm.RoleAssistant, Content: "recent answer"},
	}
	msgs := BuildPrompt(PromptInput{
		Question:      "what now?",
		Passages:      []Passage{{Filename: "guide.txt", Text: "step one"}},
		History:       history,
		HistoryTokens: 50,
	})

	require.Len(t, msgs, 5)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "I don't have enough information to answer that.")
	assert.Contains(t, msgs[0].Content, "[1] guide.txt\nstep one")
	assert.Equal(t, history[1:], msgs[1:4])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "what now?"}, msgs[4])

	empty := BuildPrompt(PromptInput{Question: "hi"})
	require.Len(t, empty, 2)
	assert.Contains(t, empty[0].Content, "no relevant passages")
}
