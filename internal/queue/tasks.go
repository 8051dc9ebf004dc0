package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeDocumentIngest = "document:ingest"
	QueueIngest        = "ingest"
)

// IngestPayload is the job message. AttemptCount is informational; asynq
// keeps the authoritative retry count.
type IngestPayload struct {
	DocumentID   string `json:"document_id"`
	AttemptCount int    `json:"attempt_count"`
}

// TaskID is the asynq task id of a document's ingestion job. asynq rejects
// a second task with the same id while the first is pending, active,
// retrying or archived, which makes enqueue idempotent.
func TaskID(documentID uuid.UUID) string {
	return "ingest:" + documentID.String()
}

func NewIngestTask(documentID uuid.UUID, attempt int) (*asynq.Task, error) {
	data, err := json.Marshal(IngestPayload{DocumentID: documentID.String(), AttemptCount: attempt})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeDocumentIngest, data), nil
}

func ParseIngestPayload(t *asynq.Task) (uuid.UUID, IngestPayload, error) {
	var p IngestPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, p, fmt.Errorf("unmarshal payload: %w", err)
	}
	id, err := uuid.Parse(p.DocumentID)
	if err != nil {
		return uuid.Nil, p, fmt.Errorf("parse document id: %w", err)
	}
	return id, p, nil
}
