package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/docchat/internal/apperr"
	"github.com/nikhilbhutani/docchat/internal/models"
	"github.com/nikhilbhutani/docchat/internal/status"
)

// Repository persists document rows. The status column is the source of
// truth for the status tracker, so a Repository is also a status.Store.
type Repository interface {
	status.Store
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	GetForOwner(ctx context.Context, id, owner uuid.UUID) (*models.Document, error)
	List(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListFailedBefore returns failed documents last updated before t.
	ListFailedBefore(ctx context.Context, t time.Time, limit int) ([]models.Document, error)
}

const documentColumns = `id, owner_id, filename, format, storage_key, size_bytes, status, error, created_at, updated_at`

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	err := row.Scan(&d.ID, &d.Owner, &d.Filename, &d.Format, &d.StorageKey, &d.SizeBytes, &d.Status, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, doc *models.Document) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO documents (id, owner_id, filename, format, storage_key, size_bytes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		doc.ID, doc.Owner, doc.Filename, doc.Format, doc.StorageKey, doc.SizeBytes, doc.Status,
	)
	if err := row.Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	doc, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (r *PostgresRepository) GetForOwner(ctx context.Context, id, owner uuid.UUID) (*models.Document, error) {
	doc, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND owner_id = $2`, id, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (r *PostgresRepository) List(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		owner, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

func (r *PostgresRepository) ListFailedBefore(ctx context.Context, t time.Time, limit int) ([]models.Document, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		models.DocStatusFailed, t, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed documents: %w", err)
	}
	return collectDocuments(rows)
}

func collectDocuments(rows pgx.Rows) ([]models.Document, error) {
	defer rows.Close()
	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// Delete removes the row; chunks go with it through ON DELETE CASCADE.
func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Load(ctx context.Context, id uuid.UUID) (status.Event, error) {
	var ev status.Event
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, status, error, updated_at FROM documents WHERE id = $1`, id,
	).Scan(&ev.DocumentID, &ev.Owner, &ev.Status, &ev.Error, &ev.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return status.Event{}, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return status.Event{}, fmt.Errorf("load status: %w", err)
	}
	return ev, nil
}

// CompareAndSwap locks the row, checks the current status and updates it in
// one statement. updated_at is kept strictly increasing so watchers can
// order events by it.
func (r *PostgresRepository) CompareAndSwap(ctx context.Context, id uuid.UUID, from []models.DocumentStatus, to models.DocumentStatus, reason string) (status.Change, error) {
	var ch status.Change
	err := r.db.QueryRow(ctx,
		`UPDATE documents d
		 SET status = $3, error = $4,
		     updated_at = GREATEST(clock_timestamp(), old.updated_at + interval '1 microsecond')
		 FROM (SELECT id, status, updated_at FROM documents WHERE id = $1 FOR UPDATE) old
		 WHERE d.id = old.id AND old.status = ANY($2)
		 RETURNING old.status, d.id, d.owner_id, d.status, d.error, d.updated_at`,
		id, statusStrings(from), to, reason,
	).Scan(&ch.From, &ch.DocumentID, &ch.Owner, &ch.Status, &ch.Error, &ch.Timestamp)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return status.Change{}, fmt.Errorf("update status: %w", err)
	}

	cur, err := r.Load(ctx, id)
	if err != nil {
		return status.Change{}, err
	}
	return status.Change{}, fmt.Errorf("%s -> %s: %w", cur.Status, to, apperr.ErrInvalidTransition)
}

func statusStrings(in []models.DocumentStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
