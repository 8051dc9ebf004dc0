package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/lock"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/queue"
	"github.com/nikhilbhutani/docchat/internal/rag"
	"github.com/nikhilbhutani/docchat/internal/status"
	"github.com/nikhilbhutani/docchat/internal/storage"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
)

// Documents is the read side of the document repository.
type Documents interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

type Ingester interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (rag.IngestResult, error)
}

// IngestWorker runs one ingestion job: it claims the document, runs the
// pipeline and records the terminal status.
type IngestWorker struct {
	docs     Documents
	blobs    storage.Storage
	pipeline Ingester
	tracker  *status.Tracker
	locker   lock.Locker
	lockTTL  time.Duration
	logger   *slog.Logger
}

func NewIngestWorker(
	docs Documents,
	blobs storage.Storage,
	pipeline Ingester,
	tracker *status.Tracker,
	locker lock.Locker,
	lockTTL time.Duration,
	logger *slog.Logger,
) *IngestWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &IngestWorker{
		docs:     docs,
		blobs:    blobs,
		pipeline: pipeline,
		tracker:  tracker,
		locker:   locker,
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

func (w *IngestWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	id, _, err := queue.ParseIngestPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return w.Process(ctx, id, retried, maxRetry)
}

// Process ingests document id. retried is the number of earlier failed
// attempts; on the last attempt a transient failure becomes terminal.
func (w *IngestWorker) Process(ctx context.Context, id uuid.UUID, retried, maxRetry int) error {
	log := w.logger.With("document_id", id, "attempt", retried+1)

	unlock, err := w.locker.TryLock(ctx, lock.DocumentKey(id), w.lockTTL)
	if errors.Is(err, apperr.ErrBusy) {
		// another worker holds the document; not counted as a failure
		return fmt.Errorf("ingest %s: %w", id, err)
	}
	if err != nil {
		return w.retryOrFail(ctx, log, id, retried, maxRetry, fmt.Errorf("lock document: %w", err))
	}
	defer unlock()

	if _, err := w.tracker.Transition(ctx, id, models.DocStatusProcessing, ""); err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidTransition) {
			// deleted, or already finished by an earlier delivery
			log.Info("ingest job skipped", "reason", err)
			return nil
		}
		return w.retryOrFail(ctx, log, id, retried, maxRetry, err)
	}

	start := time.Now()
	result, err := w.ingest(ctx, id)
	if err == nil {
		w.finish(ctx, log, id, models.DocStatusCompleted, "")
		log.Info("document ingested",
			"chunks", result.Chunks,
			"model", result.Model,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	if apperr.IsPermanent(err) {
		w.finish(ctx, log, id, models.DocStatusFailed, err.Error())
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.retryOrFail(ctx, log, id, retried, maxRetry, err)
}

// retryOrFail hands err back for redelivery, or on the last attempt records
// the document as failed and stops asynq from retrying. The document may
// still be queued when the attempt failed before claiming it; it then passes
// through processing so the recorded history stays on the state machine.
func (w *IngestWorker) retryOrFail(ctx context.Context, log *slog.Logger, id uuid.UUID, retried, maxRetry int, err error) error {
	if retried < maxRetry {
		log.Warn("ingest attempt failed, will retry", "error", err)
		return err
	}
	w.finish(ctx, log, id, models.DocStatusProcessing, "")
	w.finish(ctx, log, id, models.DocStatusFailed, "retries exhausted: "+err.Error())
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

func (w *IngestWorker) ingest(ctx context.Context, id uuid.UUID) (rag.IngestResult, error) {
	doc, err := w.docs.Get(ctx, id)
	if err != nil {
		return rag.IngestResult{}, err
	}
	data, err := storage.ReadAll(ctx, w.blobs, doc.StorageKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return rag.IngestResult{}, apperr.Permanent(fmt.Errorf("raw file missing: %w", err))
	}
	if err != nil {
		return rag.IngestResult{}, apperr.Transient(fmt.Errorf("download raw file: %w", err))
	}
	return w.pipeline.Ingest(ctx, rag.IngestRequest{
		DocumentID: id,
		Format:     textextract.Format(doc.Format),
		Data:       data,
	})
}

// finish records a status change even when the job context has expired.
func (w *IngestWorker) finish(ctx context.Context, log *slog.Logger, id uuid.UUID, to models.DocumentStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.tracker.Transition(ctx, id, to, reason); err != nil {
		log.Error("record ingest outcome", "status", to, "error", err)
	}
}
