package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/dispatchkit/internal/domain/artifact"
	"github.com/Strob0t/dispatchkit/internal/port/completion"
)

// CompletionStore implements completion.Sink using PostgreSQL.
type CompletionStore struct {
	pool *pgxpool.Pool
}

// NewCompletionStore creates a CompletionStore backed by the given pool.
func NewCompletionStore(pool *pgxpool.Pool) *CompletionStore {
	return &CompletionStore{pool: pool}
}

// Store inserts rec. A session is stored at most once; repeats are ignored.
func (s *CompletionStore) Store(ctx context.Context, rec completion.Record) error {
	arts, err := json.Marshal(orEmpty(rec.Artifacts))
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO completions (session_id, cache_key, class, input, text, artifacts, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.CacheKey, rec.Class, rec.Input, rec.Text, arts, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("store completion %s: %w", rec.SessionID, err)
	}
	return nil
}

const completionColumns = `session_id, cache_key, class, input, text, artifacts, completed_at`

// GetBySession returns the completion stored for sessionID.
func (s *CompletionStore) GetBySession(ctx context.Context, sessionID string) (*completion.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+completionColumns+` FROM completions WHERE session_id = $1`, sessionID)
	rec, err := scanCompletion(row)
	if err != nil {
		return nil, notFoundWrap(err, "get completion %s", sessionID)
	}
	return &rec, nil
}

// ListByCacheKey returns the most recent completions for a cache key, newest first.
func (s *CompletionStore) ListByCacheKey(ctx context.Context, cacheKey string, limit int) ([]completion.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+completionColumns+` FROM completions
		 WHERE cache_key = $1 ORDER BY completed_at DESC LIMIT $2`, cacheKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var out []completion.Record
	for rows.Next() {
		rec, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		out = append(out, rec)
	}
	return orEmpty(out), rows.Err()
}

func scanCompletion(row scannable) (completion.Record, error) {
	var (
		rec  completion.Record
		arts []byte
	)
	if err := row.Scan(&rec.SessionID, &rec.CacheKey, &rec.Class, &rec.Input, &rec.Text, &arts, &rec.CompletedAt); err != nil {
		return rec, err
	}
	if len(arts) > 0 {
		var decoded []artifact.Artifact
		if err := json.Unmarshal(arts, &decoded); err != nil {
			return rec, fmt.Errorf("unmarshal artifacts: %w", err)
		}
		rec.Artifacts = decoded
	}
	return rec, nil
}
