package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const DefaultSessionTitle = "New Chat"

type ChatSession struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Owner     uuid.UUID `json:"owner" db:"owner_id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ChatMessage is one turn of a session. Sequence is contiguous per session,
// starting at 1. An assistant message is Truncated when generation was
// interrupted; Error then carries the reason.
type ChatMessage struct {
	SessionID uuid.UUID `json:"session_id" db:"session_id"`
	Sequence  int64     `json:"sequence" db:"sequence"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	Truncated bool      `json:"truncated" db:"truncated"`
	Error     string    `json:"error,omitempty" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
