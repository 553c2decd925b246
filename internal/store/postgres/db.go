// Package postgres implements the store contract on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog/log"
)

// Config holds connection and pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// Store implements store.Store on a Postgres connection pool.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres, configures the pool, and verifies
// connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("postgres connected")
	return &Store{db: db, timeout: cfg.QueryTimeout}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

const schema = `
CREATE TABLE IF NOT EXISTS liquidations (
	id        BIGSERIAL PRIMARY KEY,
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL,
	price     DOUBLE PRECISION NOT NULL,
	quantity  DOUBLE PRECISION NOT NULL,
	ts        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_liquidations_symbol_ts ON liquidations (symbol, ts DESC);
CREATE INDEX IF NOT EXISTS idx_liquidations_ts ON liquidations (ts);

CREATE TABLE IF NOT EXISTS subscribers (
	chat_id               BIGINT PRIMARY KEY,
	first_name            TEXT NOT NULL DEFAULT '',
	username              TEXT NOT NULL DEFAULT '',
	tracked_symbols       TEXT[] NOT NULL DEFAULT '{}',
	notifications_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	report_interval_hours INT NOT NULL DEFAULT 4,
	min_liquidation_alert BIGINT NOT NULL DEFAULT 10000,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema applies the idempotent DDL. Safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
