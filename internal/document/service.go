package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/lock"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/status"
	"github.com/nikhilbhutani/docchat/internal/storage"
	"github.com/nikhilbhutani/docchat/pkg/textextract"
)

const removeLockTTL = 30 * time.Second

// Dispatcher hands documents to the ingestion workers.
type Dispatcher interface {
	Enqueue(ctx context.Context, id uuid.UUID) (bool, error)
	Reprocess(ctx context.Context, id uuid.UUID) error
}

// ChunkDeleter removes a document's vectors.
type ChunkDeleter interface {
	Delete(ctx context.Context, documentID uuid.UUID) error
}

type Service struct {
	repo       Repository
	blobs      storage.Storage
	vectors    ChunkDeleter
	dispatcher Dispatcher
	locker     lock.Locker
	tracker    *status.Tracker
	processor  *Processor
	logger     *slog.Logger
}

func NewService(
	repo Repository,
	blobs storage.Storage,
	vectors ChunkDeleter,
	dispatcher Dispatcher,
	locker lock.Locker,
	tracker *status.Tracker,
	processor *Processor,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		blobs:      blobs,
		vectors:    vectors,
		dispatcher: dispatcher,
		locker:     locker,
		tracker:    tracker,
		processor:  processor,
		logger:     logger,
	}
}

type UploadRequest struct {
	Owner       uuid.UUID
	Filename    string
	ContentType string
	Data        []byte
}

// Upload stores the raw file, records the document as queued and enqueues
// its ingestion. Nothing is left behind if any step fails.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	format, err := textextract.Resolve(req.ContentType, filename, req.Data)
	if err != nil || !s.processor.Supports(format) {
		return nil, fmt.Errorf("%s: %w", filename, apperr.ErrUnsupportedFormat)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%s is empty: %w", filename, apperr.ErrCorruptFile)
	}

	doc := &models.Document{
		ID:        uuid.New(),
		Owner:     req.Owner,
		Filename:  filename,
		Format:    string(format),
		SizeBytes: int64(len(req.Data)),
		Status:    models.DocStatusQueued,
	}
	doc.StorageKey = fmt.Sprintf("%s/%s%s", doc.Owner, doc.ID, strings.ToLower(filepath.Ext(filename)))

	if err := s.blobs.Upload(ctx, doc.StorageKey, req.Data, req.ContentType); err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		s.discard(doc, false)
		return nil, err
	}
	s.tracker.Announce(ctx, doc.ID)

	if _, err := s.dispatcher.Enqueue(ctx, doc.ID); err != nil {
		s.discard(doc, true)
		return nil, fmt.Errorf("enqueue ingestion: %w", err)
	}

	s.logger.Info("document uploaded",
		"document_id", doc.ID,
		"format", doc.Format,
		"size_bytes", doc.SizeBytes,
	)
	return doc, nil
}

func (s *Service) discard(doc *models.Document, row bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if row {
		if err := s.repo.Delete(ctx, doc.ID); err != nil {
			s.logger.Warn("discard document row", "document_id", doc.ID, "error", err)
		}
	}
	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
		s.logger.Warn("discard document blob", "document_id", doc.ID, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, owner, id uuid.UUID) (*models.Document, error) {
	return s.repo.GetForOwner(ctx, id, owner)
}

func (s *Service) List(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.Document, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.List(ctx, owner, limit, max(offset, 0))
}

// Status returns the last-known state, for clients that poll.
func (s *Service) Status(ctx context.Context, owner, id uuid.UUID) (status.Event, error) {
	if _, err := s.repo.GetForOwner(ctx, id, owner); err != nil {
		return status.Event{}, err
	}
	return s.tracker.Snapshot(ctx, id)
}

// Reprocess re-runs ingestion for a completed or failed document. Its chunk
// set is replaced atomically once the new run succeeds.
func (s *Service) Reprocess(ctx context.Context, owner, id uuid.UUID) error {
	if _, err := s.repo.GetForOwner(ctx, id, owner); err != nil {
		return err
	}
	return s.dispatcher.Reprocess(ctx, id)
}

// Delete removes a document with its vectors and raw file. Documents still
// owned by the pipeline (queued or processing) cannot be deleted.
func (s *Service) Delete(ctx context.Context, owner, id uuid.UUID) error {
	if _, err := s.repo.GetForOwner(ctx, id, owner); err != nil {
		return err
	}
	unlock, err := s.locker.TryLock(ctx, lock.DocumentKey(id), removeLockTTL)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	defer unlock()

	// re-read under the lock; a reprocess may have requeued it
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Status.Terminal() {
		return fmt.Errorf("document %s is %s: %w", id, doc.Status, apperr.ErrBusy)
	}
	return s.remove(ctx, doc)
}

// PurgeFailed deletes up to limit failed documents last updated before
// cutoff. Documents locked by a worker are skipped until the next run.
func (s *Service) PurgeFailed(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	docs, err := s.repo.ListFailedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	purged := 0
	for i := range docs {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		doc := &docs[i]
		unlock, err := s.locker.TryLock(ctx, lock.DocumentKey(doc.ID), removeLockTTL)
		if errors.Is(err, lock.ErrLocked) {
			continue
		}
		if err != nil {
			return purged, err
		}
		current, err := s.repo.Get(ctx, doc.ID)
		if err == nil && current.Status == models.DocStatusFailed {
			err = s.remove(ctx, current)
			if err == nil {
				purged++
			}
		}
		unlock()
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("purge failed document", "document_id", doc.ID, "error", err)
		}
	}
	return purged, nil
}

func (s *Service) remove(ctx context.Context, doc *models.Document) error {
	if err := s.vectors.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.repo.Delete(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
		// the row is gone; an orphaned blob is harmless
		s.logger.Warn("delete document blob", "document_id", doc.ID, "error", err)
	}
	s.logger.Info("document deleted", "document_id", doc.ID)
	return nil
}
