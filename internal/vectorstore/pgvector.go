package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgVectorStore keeps chunk vectors in the document_chunks table. The pool
// must have the pgvector types registered (see database.NewPool) for
// CopyFrom to encode the embedding column.
type PgVectorStore struct {
	db *pgxpool.Pool
}

func NewPgVectorStore(db *pgxpool.Pool) *PgVectorStore {
	return &PgVectorStore{db: db}
}

// Replace deletes and re-inserts the document's chunks in one transaction.
// Queries run as single statements under READ COMMITTED, so they see either
// the committed old set or the committed new set.
func (s *PgVectorStore) Replace(ctx context.Context, documentID uuid.UUID, chunks []Chunk) error {
	if err := validate(documentID, chunks); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// serializes concurrent replaces of the same document
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, documentID.String()); err != nil {
		return fmt.Errorf("lock document chunks: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	if len(chunks) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"document_chunks"},
			[]string{"document_id", "chunk_index", "content", "token_count", "embedding", "embedding_model"},
			pgx.CopyFromSlice(len(chunks), func(i int) ([]any, error) {
				c := chunks[i]
				return []any{c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount, pgvector.NewVector(c.Embedding), c.EmbeddingModel}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

func (s *PgVectorStore) Query(ctx context.Context, req QueryRequest) ([]Result, error) {
	docIDs := make([]string, len(req.Filter.DocumentIDs))
	for i, id := range req.Filter.DocumentIDs {
		docIDs[i] = id.String()
	}

	rows, err := s.db.Query(ctx,
		`SELECT c.document_id, c.chunk_index, c.content, d.filename,
		        1 - (c.embedding <=> $1) AS score
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE d.owner_id = $2
		   AND d.status = 'completed'
		   AND ($3::text = '' OR c.embedding_model = $3)
		   AND (cardinality($4::uuid[]) = 0 OR c.document_id = ANY($4::uuid[]))
		 ORDER BY c.embedding <=> $1
		 LIMIT $5`,
		pgvector.NewVector(req.Embedding), req.Filter.Owner, req.Model, docIDs, defaultTopK(req.TopK),
	)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentID, &r.ChunkIndex, &r.Text, &r.Filename, &r.Score); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if req.MinScore > 0 && r.Score < req.MinScore {
			continue
		}
		r.ChunkID = ChunkID(r.DocumentID, r.ChunkIndex)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return results, nil
}

func (s *PgVectorStore) Delete(ctx context.Context, documentID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}
