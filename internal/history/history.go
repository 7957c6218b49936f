// Package history journals voice search sessions and the queries sent in
// them to Postgres.
package history

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Execer is the subset of pgxpool.Pool the store writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("history: database url is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("history: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

const (
	insertSession = `INSERT INTO voice_sessions (id, started_at, status)
VALUES ($1, $2, 'connected')
ON CONFLICT (id) DO NOTHING`

	endSession = `UPDATE voice_sessions SET ended_at = $2, status = $3
WHERE id = $1 AND ended_at IS NULL`

	insertQuery = `INSERT INTO voice_queries (session_id, query, partial, sent_at)
VALUES ($1, $2, $3, $4)`

	answerQuery = `UPDATE voice_queries SET answer = $2, result_count = $3, answered_at = $4
WHERE id = (
    SELECT id FROM voice_queries
    WHERE session_id = $1 AND answered_at IS NULL
    ORDER BY sent_at DESC, id DESC
    LIMIT 1
)`
)

// Store writes journal rows.
type Store struct {
	db Execer
}

func NewStore(db Execer) *Store {
	return &Store{db: db}
}

func (s *Store) SessionStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.db.Exec(ctx, insertSession, id, at.UTC()); err != nil {
		return fmt.Errorf("history: insert session: %w", err)
	}
	return nil
}

func (s *Store) SessionEnded(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	if _, err := s.db.Exec(ctx, endSession, id, at.UTC(), status); err != nil {
		return fmt.Errorf("history: end session: %w", err)
	}
	return nil
}

func (s *Store) QuerySent(ctx context.Context, id uuid.UUID, query string, partial bool, at time.Time) error {
	if _, err := s.db.Exec(ctx, insertQuery, id, query, partial, at.UTC()); err != nil {
		return fmt.Errorf("history: insert query: %w", err)
	}
	return nil
}

// ResultsReceived attaches an answer to the most recent unanswered query of
// the session.
func (s *Store) ResultsReceived(ctx context.Context, id uuid.UUID, answer string, count int, at time.Time) error {
	if _, err := s.db.Exec(ctx, answerQuery, id, answer, count, at.UTC()); err != nil {
		return fmt.Errorf("history: answer query: %w", err)
	}
	return nil
}
