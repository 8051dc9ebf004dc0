package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/models"
)

// MemoryStore is a process-local Store. Timestamps are strictly increasing
// per document even when the clock does not advance between transitions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]Event)}
}

// Create registers a new document in the queued state.
func (m *MemoryStore) Create(id, owner uuid.UUID) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := Event{DocumentID: id, Owner: owner, Status: models.DocStatusQueued, Timestamp: time.Now().UTC().Truncate(time.Microsecond)}
	m.records[id] = ev
	return ev
}

func (m *MemoryStore) Load(_ context.Context, id uuid.UUID) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.records[id]
	if !ok {
		return Event{}, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	return ev, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id uuid.UUID, from []models.DocumentStatus, to models.DocumentStatus, reason string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[id]
	if !ok {
		return Change{}, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	if !slices.Contains(from, cur.Status) {
		return Change{}, fmt.Errorf("%s -> %s: %w", cur.Status, to, apperr.ErrInvalidTransition)
	}
	next := cur
	next.Status = to
	next.Error = reason
	next.Timestamp = NextTimestamp(cur.Timestamp)
	m.records[id] = next
	return Change{From: cur.Status, Event: next}, nil
}

func (m *MemoryStore) Delete(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// NextTimestamp returns now, or prev plus one microsecond when the clock has
// not moved past prev. Microseconds match Postgres timestamptz precision.
func NextTimestamp(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
