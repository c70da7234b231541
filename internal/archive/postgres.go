package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mzanetti/pairview/internal/session"
)

// PostgresStore persists archived session snapshots in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_archive (
			id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			ended_at TIMESTAMPTZ,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_archive_ended ON session_archive (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveSnapshot upserts so a duplicate handoff (idempotent re-push after a
// partial failure) is harmless.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	var endedAt *time.Time
	if !snap.EndedAt.IsZero() {
		endedAt = &snap.EndedAt
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_archive (id, snapshot, ended_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, ended_at = EXCLUDED.ended_at`,
		snap.ID,
		payload,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (session.Snapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM session_archive WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
