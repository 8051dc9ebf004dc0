package chat

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

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.ChatSession
	messages map[uuid.UUID][]models.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]models.ChatSession),
		messages: make(map[uuid.UUID][]models.ChatMessage),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, owner uuid.UUID, title string) (*models.ChatSession, error) {
	sess := models.ChatSession{ID: uuid.New(), Owner: owner, Title: title, CreatedAt: time.Now().UTC()}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return &sess, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id, owner uuid.UUID) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.Owner != owner {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return &sess, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, owner uuid.UUID, limit, offset int) ([]models.ChatSession, error) {
	m.mu.Lock()
	var out []models.ChatSession
	for _, s := range m.sessions {
		if s.Owner == owner {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b models.ChatSession) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", msg.SessionID, apperr.ErrNotFound)
	}
	msgs := m.messages[msg.SessionID]
	msg.Sequence = int64(len(msgs)) + 1
	msg.CreatedAt = time.Now().UTC()
	m.messages[msg.SessionID] = append(msgs, *msg)
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}
