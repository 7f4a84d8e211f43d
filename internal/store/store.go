// Package store is the embedded relational Store: a single sqlite3 database
// file holding every table in spec §3, opened in WAL mode with a bounded
// busy timeout, migrated forward-only at startup, and exposing short
// transactions to its callers (spec §5 — "never held across network I/O").
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlite3drv "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/kcook98765/librarygenie/internal/store/migrations"
)

// BusyTimeout is the sqlite-level wait before returning SQLITE_BUSY,
// satisfying spec §5's "busy_timeout >= 3000 ms".
const BusyTimeout = 3000 * time.Millisecond

// MaxBusyRetry bounds how long a writer backs off against repeated
// SQLITE_BUSY before surfacing a StoreBusy error to the caller (spec §7).
const MaxBusyRetry = 5 * time.Second

// Store wraps the single sqlite3 connection pool backing the whole engine.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open creates the data directory if needed, opens the database with WAL
// journaling and the configured busy timeout, and runs pending migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on",
		path, BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Single-writer/multi-reader WAL relies on one physical connection
	// serializing writers; database/sql's pool otherwise hands writers
	// separate connections that would each see SQLITE_BUSY unnecessarily.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, log: log}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.Up(s.db, ".")
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for repository packages that live
// alongside store (media_items.go, folders.go, ...) in this package.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ErrBusy is returned when a write could not complete after MaxBusyRetry of
// backoff against SQLITE_BUSY/SQLITE_LOCKED.
var ErrBusy = errors.New("store: busy, exceeded retry budget")

// isBusy reports whether err is sqlite3's busy/locked signal.
func isBusy(err error) bool {
	var sqliteErr sqlite3drv.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3drv.ErrBusy || sqliteErr.Code == sqlite3drv.ErrLocked
	}
	return false
}

// WithTx runs fn inside a transaction, retrying the whole transaction with
// exponential backoff (bounded by MaxBusyRetry) whenever the driver reports
// SQLITE_BUSY, per spec §5 ("writers retry on SQLITE_BUSY with exponential
// backoff") and §7 (StoreBusy policy). fn must not perform blocking I/O;
// transactions here are kept short.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := 25 * time.Millisecond
	deadline := time.Now().Add(MaxBusyRetry)

	for {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
