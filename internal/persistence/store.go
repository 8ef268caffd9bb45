// Package persistence is the durable state layer for the action safety
// core: idempotency reservations, outcome history, trust aggregates, and
// dead letters all live in one SQLite database guarded by a schema ledger.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/actiongate/internal/bus"
)

const (
	// Schema ledger constants gate startup: a database written by a newer
	// build refuses to open under an older one.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ag-v1-2026-08-30-safety-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	// DefaultIdempotencyTTL is how long a completed or failed reservation
	// stays visible for duplicate detection.
	DefaultIdempotencyTTL = 24 * time.Hour

	// DefaultOutcomeCap bounds the per-(app, category) outcome history.
	DefaultOutcomeCap = 200
)

// Store wraps the SQLite database. All multi-step writes run in
// transactions; reads that race writers tolerate last-write-wins except
// idempotency reservations, which are strictly exactly-once.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	outcomeCap int
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".actiongate", "actiongate.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, outcomeCap: DefaultOutcomeCap}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetOutcomeCap overrides the per-key outcome history bound. Values <= 0
// restore the default.
func (s *Store) SetOutcomeCap(n int) {
	if n <= 0 {
		n = DefaultOutcomeCap
	}
	s.outcomeCap = n
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// The idempotency guard must distinguish "lost the reservation race" from
// real storage faults.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") || // SQLITE_CONSTRAINT_PRIMARYKEY
		strings.Contains(msg, "(2067)") // SQLITE_CONSTRAINT_UNIQUE
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args_hash TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'completed', 'failed')),
			result TEXT,
			error TEXT,
			expires_at DATETIME NOT NULL,
			completed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id TEXT NOT NULL,
			category TEXT NOT NULL,
			outcome TEXT NOT NULL CHECK(outcome IN ('unchanged', 'minor_edit', 'major_rewrite', 'deleted', 'no_draft')),
			similarity REAL,
			recorded_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trust_scores (
			app_id TEXT NOT NULL,
			category TEXT NOT NULL,
			trust_score REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			decay_half_life_days REAL NOT NULL,
			last_updated_at DATETIME NOT NULL,
			PRIMARY KEY (app_id, category)
		);`,
		`CREATE TABLE IF NOT EXISTS drafts (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			category TEXT NOT NULL,
			draft_text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			event_name TEXT NOT NULL,
			event_data TEXT NOT NULL,
			error_message TEXT NOT NULL,
			error_stack TEXT,
			retry_count INTEGER NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			first_failed_at DATETIME NOT NULL,
			last_failed_at DATETIME NOT NULL,
			alerted_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT,
			decision TEXT,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_outcomes_key_recency ON outcomes(app_id, category, recorded_at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_streak ON dead_letters(event_name, last_failed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_drafts_unresolved ON drafts(created_at) WHERE resolved_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_keys(expires_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

// Metrics is the store-level snapshot exposed on the status endpoint.
type Metrics struct {
	PendingOperations int `json:"pending_operations"`
	UnresolvedDrafts  int `json:"unresolved_drafts"`
	TrustedKeys       int `json:"trusted_keys"`
	DeadLetters       int `json:"dlq_size"`
	Unalerted         int `json:"dlq_unalerted"`
}

func (s *Store) Snapshot(ctx context.Context) (Metrics, error) {
	var m Metrics
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM idempotency_keys WHERE status = 'pending'),
			(SELECT COUNT(*) FROM drafts WHERE resolved_at IS NULL),
			(SELECT COUNT(*) FROM trust_scores),
			(SELECT COUNT(*) FROM dead_letters WHERE consecutive_failures > 0),
			(SELECT COUNT(*) FROM dead_letters WHERE alerted_at IS NULL AND consecutive_failures > 0);
	`)
	if err := row.Scan(&m.PendingOperations, &m.UnresolvedDrafts, &m.TrustedKeys, &m.DeadLetters, &m.Unalerted); err != nil {
		return Metrics{}, fmt.Errorf("snapshot store metrics: %w", err)
	}
	return m, nil
}
