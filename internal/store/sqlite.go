// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies pragmas, and creates the run and audit schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would see its own empty database
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			owner_conn_id   TEXT NOT NULL,
			owner           TEXT NOT NULL,
			method          TEXT NOT NULL,
			agent_id        TEXT NOT NULL DEFAULT '',
			params          TEXT,
			status          TEXT NOT NULL,
			result          TEXT,
			error           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('accepted', 'running', 'completed', 'errored'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_conn_idempotency
			ON runs(owner_conn_id, idempotency_key);

		CREATE INDEX IF NOT EXISTS idx_runs_owner_created
			ON runs(owner, created_at);

		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

		CREATE TABLE IF NOT EXISTS run_events (
			run_id     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			conn_id     TEXT NOT NULL,
			action      TEXT NOT NULL,
			subject     TEXT NOT NULL DEFAULT '',
			credential  TEXT NOT NULL DEFAULT '',
			device_id   TEXT NOT NULL DEFAULT '',
			client_id   TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_conn ON audit_log(conn_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "runs",
			column: "agent_id",
			apply:  `ALTER TABLE runs ADD COLUMN agent_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite unique or primary key violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite foreign key violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// nullableJSON maps an empty raw message to SQL NULL
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
