package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout is applied to every handle unless overridden.
const DefaultBusyTimeout = 5 * time.Second

// DB wraps a sql.DB connection to one recall SQLite file: either a shard or
// the shard registry.
type DB struct {
	*sql.DB
	Path string
}

// Options controls how a database file is opened.
type Options struct {
	BusyTimeout time.Duration
	Migrations  []Migration
}

// DefaultDir returns the default storage directory: ~/.recall
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall"), nil
}

// Open opens (or creates) the SQLite database at the given path, applies the
// connection pragmas, verifies the vector capability and runs migrations.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &ConfigError{Op: "open database", Err: ErrBadPath, Hint: "set storage.dir to a writable directory"}
	}
	if err := RegisterVectorFunctions(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &ConfigError{
			Op:   "create db dir",
			Err:  fmt.Errorf("%w: %v", ErrBadPath, err),
			Hint: fmt.Sprintf("make sure %s is writable", dir),
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection per file: reads and writes on a shard are serialized.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: path}
	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if err := db.probeVectorCapability(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(ctx, opts.Migrations); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

// dsn builds a modernc DSN so that every pooled connection gets the same
// pragmas, not just the first one.
func dsn(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"temp_store(MEMORY)",
		"foreign_keys(ON)",
	}
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Checkpoint flushes the WAL into the main database file.
func (db *DB) Checkpoint(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint %s: %w", db.Path, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the handle.
func (db *DB) Close() error {
	cpErr := db.Checkpoint(context.Background())
	return errors.Join(cpErr, db.DB.Close())
}

// JournalMode reports the active journal mode, mostly for tests and health output.
func (db *DB) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", fmt.Errorf("journal mode: %w", err)
	}
	return mode, nil
}

// Execer is satisfied by *sql.DB, *sql.Tx and *DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier is satisfied by *sql.DB, *sql.Tx and *DB.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
