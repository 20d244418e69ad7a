package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/parleyhq/parley/internal/log"
)

// Dedup threshold: a new entry at least this similar to an existing one
// updates it in place instead of inserting a near-duplicate.
const autoMergeThreshold = 0.95

// EmbedTimeout bounds the embedding call inside Add.
const EmbedTimeout = 10 * time.Second

// Store is a Searcher backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   log.Logger
}

var _ Searcher = (*Store)(nil)

// NewStore creates a pgvector-backed memory store.
func NewStore(pool *pgxpool.Pool, embedder Embedder, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// embed generates a vector for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	return pgvector.NewVector(vec), nil
}

// Add inserts a memory, merging near-duplicates in place.
//
// The transaction takes a per-session advisory lock so concurrent Add
// calls for the same session cannot both miss the same nearest neighbor
// and produce duplicate rows.
func (s *Store) Add(ctx context.Context, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyInput
	}
	if len(content) > MaxContentLength {
		content = content[:MaxContentLength]
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()
	vec, err := s.embed(embedCtx, content)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// pg_advisory_xact_lock releases automatically at commit/rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}

	var (
		nearestID  string
		similarity float64
	)
	err = tx.QueryRow(ctx,
		`SELECT id, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 WHERE session_id = $2 AND active
		 ORDER BY embedding <=> $1
		 LIMIT 1`,
		vec, sessionID,
	).Scan(&nearestID, &similarity)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.insertRow(ctx, tx, sessionID, content, vec); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("querying nearest neighbor: %w", err)
	case similarity >= autoMergeThreshold:
		if _, err := tx.Exec(ctx,
			`UPDATE memories SET content = $1, embedding = $2, created_at = now() WHERE id = $3`,
			content, vec, nearestID,
		); err != nil {
			return fmt.Errorf("merging duplicate memory: %w", err)
		}
		s.logger.Debug("auto-merged memory", "id", nearestID, "similarity", similarity)
	default:
		if err := s.insertRow(ctx, tx, sessionID, content, vec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing memory transaction: %w", err)
	}
	return nil
}

func (s *Store) insertRow(ctx context.Context, tx pgx.Tx, sessionID, content string, vec pgvector.Vector) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO memories (session_id, content, embedding)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, md5(content)) WHERE active DO NOTHING`,
		sessionID, content, vec,
	)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}
	return nil
}

// Search returns the topK most similar active memories for the session.
func (s *Store) Search(ctx context.Context, sessionID, query string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		return []Snippet{}, nil
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, 1 - (embedding <=> $1) AS similarity, created_at
		 FROM memories
		 WHERE session_id = $2 AND active
		 ORDER BY embedding <=> $1, created_at DESC
		 LIMIT $3`,
		vec, sessionID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var sn Snippet
		if err := rows.Scan(&sn.Content, &sn.Score, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		snippets = append(snippets, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory rows: %w", err)
	}
	return snippets, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
