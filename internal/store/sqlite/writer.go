// Package sqlite persists the symbol directory (script alias -> broker
// description) and an append-only journal of applied quote ticks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the store.
type Config struct {
	DBPath string // e.g. "data/quotes.db"; ":memory:" for tests
}

// Store is a single-writer SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger := slog.Default().With(slog.String("component", "sqlite"))
	logger.Info("opened database", "path", cfg.DBPath)
	return &Store{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS symbols (
			alias       TEXT    PRIMARY KEY,
			description TEXT    NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticks (
			symbol TEXT    NOT NULL,
			field  TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			value  TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS ticks_symbol_ts ON ticks (symbol, ts);
	`)
	return err
}

// Put stores or replaces one alias.
func (s *Store) Put(ctx context.Context, alias, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO symbols (alias, description, updated_at) VALUES (?, ?, ?)`,
		alias, description, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", alias, err)
	}
	return nil
}

// Seed stores aliases that are not in the directory yet. Existing rows win,
// so edits made at runtime survive a restart with the same configuration.
func (s *Store) Seed(ctx context.Context, aliases map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO symbols (alias, description, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for alias, desc := range aliases {
		if _, err := stmt.ExecContext(ctx, alias, desc, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite seed %s: %w", alias, err)
		}
	}
	return tx.Commit()
}

// Remove deletes an alias. It reports whether a row existed.
func (s *Store) Remove(ctx context.Context, alias string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM symbols WHERE alias = ?`, alias)
	if err != nil {
		return false, fmt.Errorf("sqlite remove %s: %w", alias, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TickRecord is one journaled tick.
type TickRecord struct {
	Symbol string
	Field  string
	TS     time.Time
	Value  any
}

// RunJournal reads tick records from ch and inserts them in batched
// transactions, flushing every batch of defaultBatchSize records or every
// defaultFlushDelay, whichever comes first. Blocks until ctx is cancelled or
// ch is closed.
func (s *Store) RunJournal(ctx context.Context, ch <-chan TickRecord) {
	batch := make([]TickRecord, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.insertBatch(batch); err != nil {
			s.logger.Error("journal batch insert failed", "count", len(batch), "error", err)
		} else {
			s.logger.Debug("journal batch committed", "count", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case rec, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (s *Store) insertBatch(records []TickRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO ticks (symbol, field, ts, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		value, err := json.Marshal(r.Value)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode %s.%s: %w", r.Symbol, r.Field, err)
		}
		if _, err := stmt.Exec(r.Symbol, r.Field, r.TS.UnixMilli(), string(value)); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
