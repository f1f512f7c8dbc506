package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var _ Counter = (*SQLiteCounter)(nil)

// SQLiteCounter stores the value in a local SQLite file. Every process pointed at
// the same file shares the counter; increments are a single UPSERT statement.
type SQLiteCounter struct {
	key    string
	db     *sql.DB
	closed atomic.Bool
}

func NewSQLiteCounter(ctx context.Context, path, key string) (*SQLiteCounter, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS counters (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteCounter{key: key, db: db}, nil
}

func (c *SQLiteCounter) Get(ctx context.Context) (int64, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, c.key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, c.classify("sqlite select", err)
	}
	return v, nil
}

func (c *SQLiteCounter) Up(ctx context.Context) (int64, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
		RETURNING value
	`, c.key).Scan(&v)
	if err != nil {
		return 0, c.classify("sqlite upsert", err)
	}
	return v, nil
}

func (c *SQLiteCounter) Set(ctx context.Context, v int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO counters (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, c.key, v)
	if err != nil {
		return c.classify("sqlite set", err)
	}
	return nil
}

func (c *SQLiteCounter) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return c.classify("sqlite ping", err)
	}
	return nil
}

func (c *SQLiteCounter) Close() error {
	c.closed.Store(true)
	return c.db.Close()
}

// classify marks only connection level failures as unavailable. Constraint,
// type and SQL errors pass through as plain errors.
func (c *SQLiteCounter) classify(op string, err error) error {
	if c.closed.Load() ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOMEM, sqlite3.SQLITE_FULL:
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
