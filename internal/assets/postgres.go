package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists assets in PostgreSQL so multiple gateway
// replicas can serve the same retrieval URLs.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audio_assets (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			data BYTEA NOT NULL,
			content_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audio_assets_expires ON audio_assets (expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, data []byte, contentType, sessionID string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audio_assets (id, session_id, data, content_type, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, sessionID, data, contentType, now, now.Add(s.ttl),
	)
	if err != nil {
		return "", fmt.Errorf("store asset: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	// Expiry is enforced in the query itself, so records past their TTL
	// are unreachable even before the sweep deletes them.
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, data, content_type, created_at, expires_at
		 FROM audio_assets WHERE id=$1 AND expires_at > now()`,
		id,
	)
	var r Record
	if err := row.Scan(&r.ID, &r.SessionID, &r.Data, &r.ContentType, &r.CreatedAt, &r.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load asset: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM audio_assets WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audio_assets WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep assets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
