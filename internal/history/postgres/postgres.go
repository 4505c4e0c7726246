// Package postgres provides a PostgreSQL-backed [history.Store] with
// full-text search over prompts and responses.
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxa/internal/history"
	"github.com/MrWong99/voxa/internal/session"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id           BIGSERIAL    PRIMARY KEY,
    turn_id      UUID         NOT NULL UNIQUE,
    session_id   TEXT         NOT NULL DEFAULT '',
    prompt       TEXT         NOT NULL,
    response     TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL,
    error        TEXT         NOT NULL DEFAULT '',
    voice_id     TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_started_at
    ON turns (started_at);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', prompt || ' ' || response));
`

const selectTurns = `
SELECT turn_id, session_id, prompt, response, status, error, voice_id, started_at, duration_ns
FROM   turns`

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by a single [pgxpool.Pool]. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the turns table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("create turns: %w", err)
	}
	return nil
}

// Append implements [history.Store]. Appending a turn id twice keeps the
// first entry.
func (s *Store) Append(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO turns
		    (turn_id, session_id, prompt, response, status, error, voice_id, started_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (turn_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		e.TurnID,
		e.SessionID,
		e.Prompt,
		e.Response,
		string(e.Status),
		e.Error,
		e.VoiceID,
		e.Started,
		e.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	q, args := recentQuery(limit)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return collect(rows)
}

// Search implements [history.Store]. query is passed to plainto_tsquery, so
// no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]history.Entry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	q, args := searchQuery(query, limit)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	return collect(rows)
}

// Ping checks the connection. It has the signature of a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// recentQuery selects the newest rows, then orders them oldest first.
func recentQuery(limit int) (string, []any) {
	if limit <= 0 {
		return selectTurns + "\nORDER  BY started_at, id", nil
	}
	return "SELECT * FROM (" + selectTurns + "\nORDER  BY started_at DESC, id DESC\nLIMIT  $1) newest\nORDER  BY started_at, turn_id", []any{limit}
}

func searchQuery(query string, limit int) (string, []any) {
	q := selectTurns + "\nWHERE  to_tsvector('english', prompt || ' ' || response) @@ plainto_tsquery('english', $1)"
	args := []any{query}
	if limit <= 0 {
		return q + "\nORDER  BY started_at, id", args
	}
	args = append(args, limit)
	return "SELECT * FROM (" + q + "\nORDER  BY started_at DESC, id DESC\nLIMIT  $2) newest\nORDER  BY started_at, turn_id", args
}

func collect(rows pgx.Rows) ([]history.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e          history.Entry
			status     string
			durationNS int64
			turnID     uuid.UUID
		)
		if err := row.Scan(
			&turnID,
			&e.SessionID,
			&e.Prompt,
			&e.Response,
			&status,
			&e.Error,
			&e.VoiceID,
			&e.Started,
			&durationNS,
		); err != nil {
			return history.Entry{}, err
		}
		e.TurnID = turnID
		e.Status = session.Status(status)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}
