// Package store wraps the embedded SQLite database that each telemetryd
// instance persists locally (spec §4.3.4). Every platform's indexed trace
// rows, session records, and workspace bindings live in one file; there is
// no migration tooling because the schema is applied idempotently on open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds the embedded store's connection parameters (spec §6 paths.*).
type Config struct {
	Path string

	MaxOpenConns int
	BusyTimeout  time.Duration
}

// Client wraps the underlying *sql.DB with the pragmas and schema the store
// requires. The connection pool is deliberately small: SQLite serializes
// writers regardless of pool size, and WAL mode is what actually buys
// concurrent readers.
type Client struct {
	db *sql.DB
}

// DB returns the underlying connection for callers that need raw access
// (transactions spanning multiple store methods).
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Open creates (or reopens) the SQLite database at cfg.Path with WAL mode,
// relaxed synchronous durability, and a generous page cache (spec §4.3.4:
// "journal_mode=WAL, synchronous=NORMAL, temp_store=MEMORY, cache_size
// 64MiB, mmap_size 256MiB"), then applies the schema.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_temp_store=MEMORY&_cache_size=-64000&_mmap_size=268435456&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	client := &Client{db: db}
	if err := client.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return client, nil
}

// OpenReadOnlyExternal opens an arbitrary SQLite file (a Cursor workspace
// database, not telemetryd's own store) for read-only access with a short
// busy timeout, per spec §4.1.2: the watcher never blocks the editor's own
// writer for long, and never applies this package's schema to someone
// else's database.
func OpenReadOnlyExternal(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_journal_mode=WAL&_query_only=true&_read_uncommitted=true&_busy_timeout=%d",
		path, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open external sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping external sqlite %s: %w", path, err)
	}
	return db, nil
}
