// Package status tracks the ingestion state of each document.
//
// The per-document record lives in a Store and only changes through
// compare-and-swap transitions, so concurrent actors never observe a partial
// update. Every applied transition is published on a Broadcaster; watchers
// combine the stored snapshot with that feed so late subscribers still see
// terminal states.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/models"
)

type Event struct {
	DocumentID uuid.UUID             `json:"document_id"`
	Owner      uuid.UUID             `json:"owner_id"`
	Status     models.DocumentStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Change is the outcome of a successful compare-and-swap.
type Change struct {
	From models.DocumentStatus
	Event
}

type Store interface {
	Load(ctx context.Context, id uuid.UUID) (Event, error)
	// CompareAndSwap moves id to `to` only if its current status is one of
	// from. It returns apperr.ErrInvalidTransition otherwise, and
	// apperr.ErrNotFound for unknown documents.
	CompareAndSwap(ctx context.Context, id uuid.UUID, from []models.DocumentStatus, to models.DocumentStatus, reason string) (Change, error)
}

// sources lists the statuses each pipeline-driven transition may start from.
// processing -> processing covers redelivery of a job whose worker died.
var sources = map[models.DocumentStatus][]models.DocumentStatus{
	models.DocStatusProcessing: {models.DocStatusQueued, models.DocStatusProcessing},
	models.DocStatusCompleted:  {models.DocStatusProcessing},
	models.DocStatusFailed:     {models.DocStatusProcessing},
}

var requeueSources = []models.DocumentStatus{models.DocStatusCompleted, models.DocStatusFailed}

// Allowed reports whether from -> to is a legal edge of the state machine.
// queued is only reachable through Requeue.
func Allowed(from, to models.DocumentStatus) bool {
	if to == models.DocStatusQueued {
		return slices.Contains(requeueSources, from)
	}
	return slices.Contains(sources[to], from)
}

type Tracker struct {
	store  Store
	bus    Broadcaster
	logger *slog.Logger
}

func NewTracker(store Store, bus Broadcaster, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, bus: bus, logger: logger}
}

// Transition applies a pipeline-driven status change and publishes it.
// reason is recorded for failed; other statuses clear the error.
func (t *Tracker) Transition(ctx context.Context, id uuid.UUID, to models.DocumentStatus, reason string) (Event, error) {
	from, ok := sources[to]
	if !ok {
		return Event{}, fmt.Errorf("transition to %s: %w", to, apperr.ErrInvalidTransition)
	}
	if to != models.DocStatusFailed {
		reason = ""
	}
	change, err := t.store.CompareAndSwap(ctx, id, from, to, reason)
	if err != nil {
		return Event{}, fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	if change.From == change.Status {
		// redelivery; nothing new to tell subscribers
		return change.Event, nil
	}
	t.publish(ctx, change.Event)
	return change.Event, nil
}

// Requeue resets a terminal document to queued for an explicit reprocess.
func (t *Tracker) Requeue(ctx context.Context, id uuid.UUID) (Event, error) {
	change, err := t.store.CompareAndSwap(ctx, id, requeueSources, models.DocStatusQueued, "")
	if err != nil {
		return Event{}, fmt.Errorf("requeue %s: %w", id, err)
	}
	t.publish(ctx, change.Event)
	return change.Event, nil
}

// Announce publishes the current state without changing it. Used when a
// document is first created.
func (t *Tracker) Announce(ctx context.Context, id uuid.UUID) {
	ev, err := t.store.Load(ctx, id)
	if err != nil {
		t.logger.Warn("announce status", "document_id", id, "error", err)
		return
	}
	t.publish(ctx, ev)
}

func (t *Tracker) Snapshot(ctx context.Context, id uuid.UUID) (Event, error) {
	return t.store.Load(ctx, id)
}

// publish never fails the transition: the stored record is the source of
// truth and watchers re-read it.
func (t *Tracker) publish(ctx context.Context, ev Event) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		t.logger.Warn("publish status event",
			"document_id", ev.DocumentID,
			"status", ev.Status,
			"error", err,
		)
	}
}
