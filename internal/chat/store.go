package chat

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
)

// SessionStore persists sessions and their ordered messages.
type SessionStore interface {
	CreateSession(ctx context.Context, owner uuid.UUID, title string) (*models.ChatSession, error)
	// GetSession returns ErrNotFound for sessions of other owners.
	GetSession(ctx context.Context, id, owner uuid.UUID) (*models.ChatSession, error)
	ListSessions(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.ChatSession, error)
	// AppendMessage assigns the next sequence number of the session and
	// stores msg. Sequence and CreatedAt are set on success.
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	// Messages returns the newest limit messages, oldest first. limit <= 0
	// returns all of them.
	Messages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error)
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, owner uuid.UUID, title string) (*models.ChatSession, error) {
	sess := &models.ChatSession{ID: uuid.New(), Owner: owner, Title: title}
	err := s.db.QueryRow(ctx,
		`INSERT INTO chat_sessions (id, owner_id, title) VALUES ($1, $2, $3) RETURNING created_at`,
		sess.ID, sess.Owner, sess.Title,
	).Scan(&sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id, owner uuid.UUID) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, created_at FROM chat_sessions WHERE id = $1 AND owner_id = $2`,
		id, owner,
	).Scan(&sess.ID, &sess.Owner, &sess.Title, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.ChatSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, title, created_at FROM chat_sessions
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		owner, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ChatSession
	for rows.Next() {
		var sess models.ChatSession
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendMessage bumps the session's counter and inserts the message in one
// transaction. The UPDATE holds the session row lock until commit, so
// concurrent appends are serialized and a rolled back insert does not
// consume a number.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE chat_sessions SET last_sequence = last_sequence + 1 WHERE id = $1 RETURNING last_sequence`,
		msg.SessionID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", msg.SessionID, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO chat_messages (session_id, sequence, role, content, truncated, error)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		msg.SessionID, seq, msg.Role, msg.Content, msg.Truncated, msg.Error,
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	msg.Sequence, msg.CreatedAt = seq, createdAt
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	const cols = `session_id, sequence, role, content, truncated, error, created_at`
	if limit > 0 {
		rows, err = s.db.Query(ctx,
			`SELECT `+cols+` FROM (
			   SELECT `+cols+` FROM chat_messages WHERE session_id = $1
			   ORDER BY sequence DESC LIMIT $2
			 ) recent ORDER BY sequence`,
			sessionID, limit,
		)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+cols+` FROM chat_messages WHERE session_id = $1 ORDER BY sequence`,
			sessionID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.SessionID, &m.Sequence, &m.Role, &m.Content, &m.Truncated, &m.Error, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
