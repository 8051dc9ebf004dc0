package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/status"
)

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the dispatcher uses.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Dispatcher enqueues one ingestion job per document.
type Dispatcher struct {
	client    Enqueuer
	inspector TaskInspector
	tracker   *status.Tracker
	maxRetry  int
	timeout   time.Duration
	logger    *slog.Logger
}

func NewDispatcher(client Enqueuer, inspector TaskInspector, tracker *status.Tracker, cfg config.IngestionConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:    client,
		inspector: inspector,
		tracker:   tracker,
		maxRetry:  cfg.MaxRetry,
		timeout:   cfg.JobTimeout,
		logger:    logger,
	}
}

// Enqueue schedules ingestion of a queued document. It reports false when
// a job for the document already exists.
func (d *Dispatcher) Enqueue(ctx context.Context, id uuid.UUID) (bool, error) {
	task, err := NewIngestTask(id, 0)
	if err != nil {
		return false, err
	}

	// Timeout is also the lease: asynq hands the task to another worker
	// when the one holding it stops extending it.
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(id)),
		asynq.Queue(QueueIngest),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		d.logger.Debug("ingest job already enqueued", "document_id", id)
		return false, nil
	}
	if err != nil {
		return false, apperr.Transient(fmt.Errorf("enqueue %s: %w", TypeDocumentIngest, err))
	}
	d.logger.Info("ingest job enqueued", "document_id", id)
	return true, nil
}

// Reprocess resets a completed or failed document to queued and enqueues a
// fresh job. A queued or processing document whose job is still pending or
// running is left alone (processing is busy). When its job is gone or
// archived after the retries ran out, nothing will ever move it again, so
// the job is cleared and the document requeued.
func (d *Dispatcher) Reprocess(ctx context.Context, id uuid.UUID) error {
	snap, err := d.tracker.Snapshot(ctx, id)
	if err != nil {
		return err
	}

	live, err := d.clearDeadTask(id)
	if err != nil {
		return err
	}

	switch snap.Status {
	case models.DocStatusQueued:
		if live {
			return nil
		}
	case models.DocStatusProcessing:
		if live {
			return fmt.Errorf("document %s is processing: %w", id, apperr.ErrBusy)
		}
		d.logger.Warn("ingest job lost, requeueing", "document_id", id)
		if _, err := d.tracker.Transition(ctx, id, models.DocStatusFailed, "ingest job lost"); err != nil {
			return err
		}
		if _, err := d.tracker.Requeue(ctx, id); err != nil {
			return err
		}
	case models.DocStatusCompleted, models.DocStatusFailed:
		if live {
			return fmt.Errorf("previous run of %s still finishing: %w", id, apperr.ErrBusy)
		}
		if _, err := d.tracker.Requeue(ctx, id); err != nil {
			return err
		}
	}

	_, err = d.Enqueue(ctx, id)
	return err
}

// clearDeadTask reports whether the document's job is pending, scheduled
// or running. An archived or completed job is deleted so its task id can be
// reused.
func (d *Dispatcher) clearDeadTask(id uuid.UUID) (bool, error) {
	info, err := d.inspector.GetTaskInfo(QueueIngest, TaskID(id))
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return false, nil
	case err != nil:
		return false, apperr.Transient(fmt.Errorf("inspect %s: %w", TaskID(id), err))
	case info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted:
		return true, nil
	}
	err = d.inspector.DeleteTask(QueueIngest, TaskID(id))
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, apperr.Transient(fmt.Errorf("delete %s: %w", TaskID(id), err))
	}
	return false, nil
}
