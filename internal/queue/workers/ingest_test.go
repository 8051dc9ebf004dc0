package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/document"
	"github.com/nikhilbhutani/docchat/internal/embedding"
	"github.com/nikhilbhutani/docchat/internal/llm"
	"github.com/nikhilbhutani/docchat/internal/llm/llmtest"
	"github.com/nikhilbhutani/docchat/internal/lock"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/queue"
	"github.com/nikhilbhutani/docchat/internal/rag"
	"github.com/nikhilbhutani/docchat/internal/status"
	"github.com/nikhilbhutani/docchat/internal/storage"
	"github.com/nikhilbhutani/docchat/internal/vectorstore"
	"github.com/nikhilbhutani/docchat/pkg/chunker"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
)

type fixture struct {
	repo    *document.MemoryRepository
	blobs   *storage.MemoryStorage
	vectors *vectorstore.MemoryStore
	fake    *llmtest.Provider
	tracker *status.Tracker
	hub     *status.Hub
	locker  *lock.MemoryLocker
	worker  *IngestWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   document.NewMemoryRepository(),
		blobs:  storage.NewMemoryStorage(),
		fake:   &llmtest.Provider{},
		hub:    status.NewHub(32),
		locker: lock.NewMemoryLocker(),
	}
	f.tracker = status.NewTracker(f.repo, f.hub, nil)
	f.vectors = vectorstore.NewMemoryStore(document.Scope(f.repo))

	embedder, err := embedding.NewService(llm.NewGatewayWithProviders(f.fake), embedding.Options{
		Dimension:   llmtest.DefaultDim,
		BatchSize:   2,
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(embedder.Release)

	processor := document.NewProcessor(nil, chunker.ChunkOptions{ChunkSize: 1000, ChunkOverlap: 200})
	pipeline := rag.NewPipeline(processor, embedder, f.vectors, nil)
	f.worker = NewIngestWorker(f.repo, f.blobs, pipeline, f.tracker, f.locker, time.Second, nil)
	return f
}

func threePages() string {
	var sb strings.Builder
	for p := 1; p <= 3; p++ {
		for i := 0; sb.Len() < p*1000; i++ {
			fmt.Fprintf(&sb, "page%d-word%03d ", p, i)
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (f *fixture) upload(t *testing.T, text string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID:       uuid.New(),
		Owner:    uuid.New(),
		Filename: "notes.txt",
		Format:   string(textextract.FormatText),
		Status:   models.DocStatusQueued,
	}
	doc.StorageKey = doc.Owner.String() + "/" + doc.ID.String() + ".txt"
	require.NoError(t, f.blobs.Upload(ctx, doc.StorageKey, []byte(text), "text/plain"))
	require.NoError(t, f.repo.Create(ctx, doc))
	return doc.ID
}

func (f *fixture) status(t *testing.T, id uuid.UUID) status.Event {
	t.Helper()
	ev, err := f.tracker.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func TestIngestWorker_ThreePageDocument(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())

	events, err := f.hub.Subscribe(t.Context())
	require.NoError(t, err)

	require.NoError(t, f.worker.Process(context.Background(), id, 0, 3))

	assert.Equal(t, models.DocStatusCompleted, f.status(t, id).Status)
	n := f.vectors.Count(id)
	assert.GreaterOrEqual(t, n, 3)
	assert.LessOrEqual(t, n, 4)

	var seen []models.DocumentStatus
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen = append(seen, ev.Status)
		case <-time.After(time.Second):
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []models.DocumentStatus{models.DocStatusProcessing, models.DocStatusCompleted}, seen)
	assert.False(t, f.locker.Held(lock.DocumentKey(id)), "lock released")
}

func TestIngestWorker_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, id, 0, 3))
	chunks := f.vectors.Count(id)
	calls := f.fake.EmbedCalls()

	require.NoError(t, f.worker.Process(ctx, id, 0, 3))
	assert.Equal(t, chunks, f.vectors.Count(id))
	assert.Equal(t, calls, f.fake.EmbedCalls(), "finished documents are not re-embedded")
	assert.Equal(t, models.DocStatusCompleted, f.status(t, id).Status)
}

func TestIngestWorker_LockedDocumentIsBusy(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())

	unlock, err := f.locker.TryLock(context.Background(), lock.DocumentKey(id), time.Second)
	require.NoError(t, err)
	defer unlock()

	err = f.worker.Process(context.Background(), id, 0, 3)
	require.ErrorIs(t, err, apperr.ErrBusy)
	assert.False(t, queue.IsFailure(err), "contention does not use up a retry")
	assert.Equal(t, models.DocStatusQueued, f.status(t, id).Status)
}

func TestIngestWorker_ContentionOnLastAttemptIsRetried(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())

	unlock, err := f.locker.TryLock(context.Background(), lock.DocumentKey(id), time.Second)
	require.NoError(t, err)
	defer unlock()

	err = f.worker.Process(context.Background(), id, 3, 3)
	require.ErrorIs(t, err, apperr.ErrBusy)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, models.DocStatusQueued, f.status(t, id).Status)
}

type brokenLocker struct{}

func (brokenLocker) TryLock(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("dial tcp 10.0.0.7:6379: connection refused")
}

func TestIngestWorker_LockBackendDownFailsOnLastAttempt(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())
	ctx := context.Background()
	f.worker.locker = brokenLocker{}

	err := f.worker.Process(ctx, id, 0, 3)
	require.Error(t, err)
	assert.True(t, queue.IsFailure(err))
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, models.DocStatusQueued, f.status(t, id).Status)

	err = f.worker.Process(ctx, id, 3, 3)
	require.ErrorIs(t, err, asynq.SkipRetry)
	ev := f.status(t, id)
	assert.Equal(t, models.DocStatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "retries exhausted")
	assert.Contains(t, ev.Error, "connection refused")
}

// flakyStore fails the next n compare-and-swaps.
type flakyStore struct {
	status.Store
	n int
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, id uuid.UUID, from []models.DocumentStatus, to models.DocumentStatus, reason string) (status.Change, error) {
	if s.n > 0 {
		s.n--
		return status.Change{}, errors.New("conn busy")
	}
	return s.Store.CompareAndSwap(ctx, id, from, to, reason)
}

func TestIngestWorker_ClaimFailureFailsOnLastAttempt(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())
	ctx := context.Background()
	store := &flakyStore{Store: f.repo}
	f.worker.tracker = status.NewTracker(store, f.hub, nil)

	store.n = 1
	err := f.worker.Process(ctx, id, 1, 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, models.DocStatusQueued, f.status(t, id).Status)

	store.n = 1
	err = f.worker.Process(ctx, id, 3, 3)
	require.ErrorIs(t, err, asynq.SkipRetry)
	ev := f.status(t, id)
	assert.Equal(t, models.DocStatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "conn busy")
	assert.False(t, f.locker.Held(lock.DocumentKey(id)), "lock released")
}

func TestIngestWorker_RedeliveryAfterCrash(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())
	ctx := context.Background()

	// a previous worker claimed the job and died
	_, err := f.tracker.Transition(ctx, id, models.DocStatusProcessing, "")
	require.NoError(t, err)

	require.NoError(t, f.worker.Process(ctx, id, 1, 3))
	assert.Equal(t, models.DocStatusCompleted, f.status(t, id).Status)
}

func TestIngestWorker_TransientFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())
	ctx := context.Background()
	f.fake.EmbedErr = func(int) error { return errors.New("upstream 503") }

	err := f.worker.Process(ctx, id, 0, 2)
	require.Error(t, err)
	assert.True(t, queue.IsFailure(err))
	assert.Equal(t, models.DocStatusProcessing, f.status(t, id).Status, "still owned by the pipeline between attempts")

	err = f.worker.Process(ctx, id, 2, 2)
	require.Error(t, err)
	ev := f.status(t, id)
	assert.Equal(t, models.DocStatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "retries exhausted")
	assert.Zero(t, f.vectors.Count(id))
}

func TestIngestWorker_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, "")
	ctx := context.Background()

	doc, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, doc.StorageKey))

	err = f.worker.Process(ctx, id, 0, 3)
	require.Error(t, err)
	ev := f.status(t, id)
	assert.Equal(t, models.DocStatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "raw file missing")
	assert.Zero(t, f.fake.EmbedCalls())
}

func TestIngestWorker_DeletedDocumentIsAcked(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.worker.Process(context.Background(), uuid.New(), 0, 3))
}

func TestIngestWorker_ReprocessReplacesChunks(t *testing.T) {
	f := newFixture(t)
	id := f.upload(t, threePages())
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, id, 0, 3))
	first := f.vectors.Count(id)

	_, err := f.tracker.Requeue(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(ctx, id, 0, 3))
	assert.Equal(t, first, f.vectors.Count(id))
	assert.Equal(t, models.DocStatusCompleted, f.status(t, id).Status)
}
