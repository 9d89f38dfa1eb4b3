// Package sqlite provides a durable local storage backend in a single SQLite file.
//
// It plays the role of origin-scoped durable storage: values survive process
// restarts, so the audit log and encrypted notes persist across sessions.
// The pure Go modernc.org/sqlite driver is used, so no cgo is required.
//
// Schema:
//
//	kv(key TEXT PRIMARY KEY, value TEXT, updated_at INTEGER)
//	counters(key TEXT PRIMARY KEY, count INTEGER, resets_at INTEGER)
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/giantswarm/hardening/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	key       TEXT PRIMARY KEY,
	count     INTEGER NOT NULL,
	resets_at INTEGER NOT NULL
);
`

// Config holds configuration for the SQLite storage backend.
type Config struct {
	// Path is the database file. Use ":memory:" for a throwaway database.
	Path string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a SQLite-backed implementation of KeyValueStore and WindowCounter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// Compile-time interface checks
var (
	_ storage.KeyValueStore = (*Store)(nil)
	_ storage.WindowCounter = (*Store)(nil)
)

// New opens (or creates) the database at cfg.Path and initializes the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite storage opened", "path", cfg.Path)

	return &Store{
		db:     db,
		logger: logger,
		clock:  time.Now,
	}, nil
}

// SetClock replaces the time source used for counter windows (for testing)
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Increment implements storage.WindowCounter inside a single transaction.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		return 0, 0, fmt.Errorf("window must be positive, got %s", window)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().UnixMilli()

	var count, resetsAt int64
	err = tx.QueryRowContext(ctx, "SELECT count, resets_at FROM counters WHERE key = ?", key).Scan(&count, &resetsAt)
	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && now >= resetsAt):
		count = 1
		resetsAt = now + window.Milliseconds()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO counters (key, count, resets_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET count = excluded.count, resets_at = excluded.resets_at`,
			key, count, resetsAt)
	case err == nil:
		count++
		_, err = tx.ExecContext(ctx, "UPDATE counters SET count = ? WHERE key = ?", count, key)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit increment: %w", err)
	}

	return count, time.Duration(resetsAt-now) * time.Millisecond, nil
}

// PurgeExpiredCounters deletes counter rows whose window has ended.
func (s *Store) PurgeExpiredCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM counters WHERE resets_at <= ?", s.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge counters: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("Purged expired counter windows", "count", n)
	}
	return n, nil
}
