// Package usage persists per-request accounting records in SQLite. It
// uses modernc.org/sqlite (pure Go, no CGO) with WAL mode and a single
// connection. Records are pruned on a schedule; the store itself never
// deletes on the write path.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5000 // milliseconds
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		credential_suffix TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_target ON requests(target)`,
}

// Record is one accounted request.
type Record struct {
	ID               string    `json:"id"`
	Target           string    `json:"target"`
	CredentialSuffix string    `json:"credential_suffix"`
	Status           string    `json:"status"` // "success", "degraded", "canceled"
	Attempts         int       `json:"attempts"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the SQLite-backed accounting store.
type Store struct {
	db *sql.DB

	// now is injectable for testing. Defaults to time.Now.
	now func() time.Time
}

// Open opens (creating if needed) the accounting database at path.
// The caller owns the returned store and must Close it.
//
// The database uses WAL mode, a 5 s busy timeout, and a single
// connection (SQLite serialises writes). The schema is migrated
// automatically.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("usage: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.TODO()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes one record. A missing ID and CreatedAt are filled in.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
			(id, target, credential_suffix, status, attempts,
			 prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Target, rec.CredentialSuffix, rec.Status, rec.Attempts,
		rec.PromptTokens, rec.CompletionTokens, rec.LatencyMS,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("usage: insert record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, credential_suffix, status, attempts,
		       prompt_tokens, completion_tokens, latency_ms, created_at
		FROM requests
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("usage: query recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt int64
		if err := rows.Scan(
			&rec.ID, &rec.Target, &rec.CredentialSuffix, &rec.Status,
			&rec.Attempts, &rec.PromptTokens, &rec.CompletionTokens,
			&rec.LatencyMS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("usage: scan record: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: iterate records: %w", err)
	}
	return out, nil
}

// PruneBefore deletes records older than cutoff and reports how many
// were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM requests WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("usage: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("usage: prune rows affected: %w", err)
	}
	return n, nil
}

func migrate(db *sql.DB) error {
	ctx := context.TODO()

	// Ensure schema_version table exists first.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("usage: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("usage: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("usage: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("usage: record schema version: %w", err)
	}

	return nil
}
