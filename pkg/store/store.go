// Package store provides the SQLite-backed relational store for outbox rows
// and checkpoints, with embedded schema migrations applied at open.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 driver

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// busyTimeout is how long SQLite waits on a locked database before
// surfacing SQLITE_BUSY.
const busyTimeout = 5 * time.Second

// Store wraps the SQLite connection used by the outbox publisher and the
// checkpoint manager.
type Store struct {
	db       *sqlx.DB
	timeouts *config.TimeoutRegistry
	logger   *slog.Logger
}

// Open opens (creating if needed) the SQLite database at cfg.Path, applies
// pending migrations, and verifies connectivity within the database connect
// timeout.
func Open(ctx context.Context, cfg *config.SQLiteConfig, timeouts *config.TimeoutRegistry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path not configured", faults.ErrConfig)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_loc=UTC",
		cfg.Path, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	// SQLite permits one writer at a time; a single pooled connection keeps
	// writers from ever seeing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx,
		timeouts.Get(config.CategoryDatabase, config.TimeoutConnect))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{
		db:       db,
		timeouts: timeouts,
		logger:   logger.With("component", "store"),
	}
	s.logger.Info("SQLite store opened", "path", cfg.Path)
	return s, nil
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies the store connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx,
		s.timeouts.Get(config.CategoryDatabase, config.TimeoutQuery))
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction bounded by the database tx timeout.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx,
		s.timeouts.Get(config.CategoryDatabase, config.TimeoutTx))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryCtx bounds a single read with the database query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx,
		s.timeouts.Get(config.CategoryDatabase, config.TimeoutQuery))
}

// requireRow converts a zero-rows-affected update into ErrNotFound. Guarded
// updates use it so a missed status precondition surfaces instead of silently
// doing nothing.
func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
