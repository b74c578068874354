// Package postgres keeps the durable share log, observed blocks and pool
// switch history in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	id               TEXT PRIMARY KEY,
	pool_id          INTEGER NOT NULL,
	pool_url         TEXT NOT NULL,
	username         TEXT NOT NULL,
	job_id           TEXT NOT NULL,
	extra_nonce2     TEXT NOT NULL,
	ntime            TEXT NOT NULL,
	nonce            TEXT NOT NULL,
	difficulty       DOUBLE PRECISION NOT NULL,
	share_difficulty DOUBLE PRECISION NOT NULL,
	result           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	is_block         BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms       BIGINT NOT NULL DEFAULT 0,
	submitted_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_pool_time ON shares (pool_id, submitted_at);
CREATE TABLE IF NOT EXISTS blocks (
	hash       TEXT PRIMARY KEY,
	pool_id    INTEGER,
	generation BIGINT NOT NULL,
	seen_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS pool_switches (
	id          BIGSERIAL PRIMARY KEY,
	from_pool   INTEGER NOT NULL,
	to_pool     INTEGER NOT NULL,
	strategy    TEXT NOT NULL,
	switched_at TIMESTAMPTZ NOT NULL
);`

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB

	Shares   *ShareRepository
	Blocks   *BlockRepository
	Switches *SwitchRepository
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens the database, pings it and creates missing tables.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connect", "failed to open database")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connect", "failed to ping database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_migrate", "failed to create tables")
	}

	return newClient(db), nil
}

func newClient(db *sql.DB) *Client {
	return &Client{
		db:       db,
		Shares:   NewShareRepository(db),
		Blocks:   NewBlockRepository(db),
		Switches: NewSwitchRepository(db),
	}
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// RecordShare implements tracker.Sink.
func (c *Client) RecordShare(ctx context.Context, ev tracker.ShareEvent) error {
	if err := c.Shares.CreateShare(ctx, shareFromEvent(ev)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "record_share", "failed to store share").
			WithContext("pool_id", ev.PoolID).
			WithContext("job_id", ev.JobID)
	}
	return nil
}

// RecordBlock implements tracker.Sink.
func (c *Client) RecordBlock(ctx context.Context, ev tracker.BlockEvent) error {
	if err := c.Blocks.CreateBlock(ctx, blockFromEvent(ev)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "record_block", "failed to store block").
			WithContext("block_hash", ev.Hash)
	}
	return nil
}

// RecordSwitch implements tracker.Sink.
func (c *Client) RecordSwitch(ctx context.Context, ev tracker.SwitchEvent) error {
	if err := c.Switches.CreateSwitch(ctx, switchFromEvent(ev)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "record_switch", "failed to store pool switch")
	}
	return nil
}
