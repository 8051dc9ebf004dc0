package document

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/status"
	"github.com/nikhilbhutani/docchat/internal/vectorstore"
)

// MemoryRepository is a process-local Repository for tests and single-binary
// development.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]models.Document
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[uuid.UUID]models.Document)}
}

func (r *MemoryRepository) Create(_ context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	doc.CreatedAt, doc.UpdatedAt = now, now
	r.docs[doc.ID] = *doc
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*models.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return &d, nil
}

func (r *MemoryRepository) GetForOwner(ctx context.Context, id, owner uuid.UUID) (*models.Document, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Owner != owner {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return d, nil
}

func (r *MemoryRepository) List(_ context.Context, owner uuid.UUID, limit, offset int) ([]models.Document, error) {
	r.mu.RLock()
	var out []models.Document
	for _, d := range r.docs {
		if d.Owner == owner {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *MemoryRepository) ListFailedBefore(_ context.Context, t time.Time, limit int) ([]models.Document, error) {
	r.mu.RLock()
	var out []models.Document
	for _, d := range r.docs {
		if d.Status == models.DocStatusFailed && d.UpdatedAt.Before(t) {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *MemoryRepository) Load(_ context.Context, id uuid.UUID) (status.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return status.Event{}, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return eventOf(d), nil
}

func (r *MemoryRepository) CompareAndSwap(_ context.Context, id uuid.UUID, from []models.DocumentStatus, to models.DocumentStatus, reason string) (status.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return status.Change{}, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	if !slices.Contains(from, d.Status) {
		return status.Change{}, fmt.Errorf("%s -> %s: %w", d.Status, to, apperr.ErrInvalidTransition)
	}
	prev := d.Status
	d.Status = to
	d.Error = reason
	d.UpdatedAt = status.NextTimestamp(d.UpdatedAt)
	r.docs[id] = d
	return status.Change{From: prev, Event: eventOf(d)}, nil
}

// SetUpdatedAt backdates a document; the janitor tests use it.
func (r *MemoryRepository) SetUpdatedAt(id uuid.UUID, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		d.UpdatedAt = t
		r.docs[id] = d
	}
}

func eventOf(d models.Document) status.Event {
	return status.Event{
		DocumentID: d.ID,
		Owner:      d.Owner,
		Status:     d.Status,
		Error:      d.Error,
		Timestamp:  d.UpdatedAt,
	}
}

func page(docs []models.Document, limit, offset int) []models.Document {
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Scope exposes repository rows to the in-memory vector store so queries
// see owner, filename and completion the way the Postgres join does.
func Scope(repo Repository) vectorstore.ScopeFunc {
	return func(ctx context.Context, id uuid.UUID) (vectorstore.DocumentInfo, bool) {
		doc, err := repo.Get(ctx, id)
		if err != nil {
			return vectorstore.DocumentInfo{}, false
		}
		return vectorstore.DocumentInfo{
			Owner:     doc.Owner,
			Filename:  doc.Filename,
			Completed: doc.Status == models.DocStatusCompleted,
		}, true
	}
}
