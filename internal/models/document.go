package models

import (
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	DocStatusQueued     DocumentStatus = "queued"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further pipeline-driven transition can happen
// without an explicit reprocess.
func (s DocumentStatus) Terminal() bool {
	return s == DocStatusCompleted || s == DocStatusFailed
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case DocStatusQueued, DocStatusProcessing, DocStatusCompleted, DocStatusFailed:
		return true
	}
	return false
}

type Document struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Owner      uuid.UUID      `json:"owner" db:"owner_id"`
	Filename   string         `json:"filename" db:"filename"`
	Format     string         `json:"format" db:"format"`
	StorageKey string         `json:"-" db:"storage_key"`
	SizeBytes  int64          `json:"size_bytes" db:"size_bytes"`
	Status     DocumentStatus `json:"status" db:"status"`
	Error      string         `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}
