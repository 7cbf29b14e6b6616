package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetKV returns the raw JSON stored under key.
func (s *Store) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM key_value WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, collector.ErrNotFound
	}
	if err != nil {
		return nil, &collector.PersistenceError{Op: "get kv " + key, Err: err}
	}
	return value, nil
}

// SetKV stores value under key.
func (s *Store) SetKV(ctx context.Context, key string, value []byte) error {
	return setKV(ctx, s.pool, key, value)
}

func setKV(ctx context.Context, db execer, key string, value []byte) error {
	_, err := db.Exec(ctx, `
INSERT INTO key_value (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, string(value),
	)
	if err != nil {
		return &collector.PersistenceError{Op: "set kv " + key, Err: err}
	}
	return nil
}
