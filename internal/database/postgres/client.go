// Package postgres provides the PostgreSQL client of the miner. It keeps a
// durable record of every block found and of each search pass.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration. URL, when set, takes
// precedence over the individual fields.
type Config struct {
	URL          string
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN returns the connection string lib/pq is opened with.
func (cfg *Config) DSN() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, sslMode)
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS found_blocks (
		id            BIGSERIAL PRIMARY KEY,
		hash          TEXT NOT NULL UNIQUE,
		height        BIGINT NOT NULL,
		prev_hash     TEXT NOT NULL,
		merkle_root   TEXT NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		bits          TEXT NOT NULL,
		nonce         BIGINT NOT NULL,
		extranonce    BIGINT NOT NULL,
		backend       TEXT NOT NULL,
		difficulty    DOUBLE PRECISION NOT NULL,
		block_hex     TEXT NOT NULL,
		status        TEXT NOT NULL,
		reject_reason TEXT,
		found_at      TIMESTAMPTZ NOT NULL,
		submitted_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS search_passes (
		id              BIGSERIAL PRIMARY KEY,
		backend         TEXT NOT NULL,
		prev_hash       TEXT NOT NULL,
		height          BIGINT NOT NULL,
		reason          TEXT NOT NULL,
		trials          BIGINT NOT NULL,
		elapsed_ms      BIGINT NOT NULL,
		hash_rate       DOUBLE PRECISION NOT NULL,
		last_extranonce BIGINT NOT NULL,
		discarded       INTEGER NOT NULL,
		reported_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS search_passes_prev_hash_idx ON search_passes (prev_hash)`,
}

// Migrate creates the miner's tables when they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
