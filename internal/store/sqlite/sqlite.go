// Package sqlite is the single owner of the on-disk store. Every table holds
// JSON documents keyed by (account, key).
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/store"
)

const memoryDSN = ":memory:"

// Options configures how the database is opened.
type Options struct {
	// Path is the database file. Use ":memory:" for an in-memory database.
	Path       string
	QuotaBytes int64
	// RetryDelay is the pause before the single retry of a busy open.
	RetryDelay time.Duration
	Logger     *logrus.Logger
}

// Engine executes store actions against one sqlite database.
type Engine struct {
	db     *sqlx.DB
	opts   Options
	logger *logrus.Logger
}

// Open opens the database at opts.Path, retrying once when it is busy and
// recreating it from scratch when it is corrupt or carries another schema
// version.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Path == "" {
		opts.Path = memoryDSN
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	e := &Engine{opts: opts, logger: logger}

	err := e.open(ctx)
	if err == nil {
		return e, nil
	}
	serr := classify(err)
	if serr.Name == store.NameBlocked {
		logger.WithError(err).Warn("Store busy during open, retrying")
		if waitErr := wait(ctx, opts.RetryDelay); waitErr != nil {
			return nil, waitErr
		}
		if err = e.open(ctx); err == nil {
			return e, nil
		}
		serr = classify(err)
	}
	if !serr.Recoverable() {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.WithError(err).WithField("path", opts.Path).Warn("Recreating store")
	if err := e.destroy(); err != nil {
		return nil, fmt.Errorf("failed to delete database: %w", err)
	}
	if err := e.open(ctx); err != nil {
		return nil, fmt.Errorf("failed to reopen database: %w", err)
	}
	return e, nil
}

func (e *Engine) dsn() string {
	if e.opts.Path == memoryDSN {
		return memoryDSN
	}
	return e.opts.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func (e *Engine) open(ctx context.Context) error {
	db, err := sqlx.Open("sqlite3", e.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps in-memory databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	e.db = db

	if err := e.checkVersion(ctx); err != nil {
		e.close()
		return err
	}
	if err := e.applyQuota(ctx); err != nil {
		e.close()
		return err
	}
	if err := e.migrate(ctx); err != nil {
		e.close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (e *Engine) checkVersion(ctx context.Context) error {
	var version int
	if err := e.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == store.SchemaVersion {
		return nil
	}
	if version == 0 {
		var n int
		if err := e.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'"); err != nil {
			return fmt.Errorf("failed to inspect schema: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	return &store.Error{
		Name:    store.NameVersion,
		Message: fmt.Sprintf("stored schema version %d, want %d", version, store.SchemaVersion),
	}
}

func (e *Engine) applyQuota(ctx context.Context) error {
	if e.opts.QuotaBytes <= 0 {
		return nil
	}
	var pageSize int64
	if err := e.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return fmt.Errorf("failed to read page size: %w", err)
	}
	pages := e.opts.QuotaBytes / pageSize
	if pages < 1 {
		pages = 1
	}
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("failed to apply quota: %w", err)
	}
	return nil
}

func (e *Engine) close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Close closes the underlying database connection.
func (e *Engine) Close() error {
	return e.close()
}

// destroy closes the database and deletes its files.
func (e *Engine) destroy() error {
	e.close()
	if e.opts.Path == memoryDSN {
		return nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.opts.Path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Recreate deletes the database and opens a fresh one.
func (e *Engine) Recreate(ctx context.Context) error {
	if err := e.destroy(); err != nil {
		return fmt.Errorf("failed to delete database: %w", err)
	}
	if err := e.open(ctx); err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	return nil
}

func wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
