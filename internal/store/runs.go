// ABOUTME: SQLite run persistence: create, fetch, update and list runs
// ABOUTME: Enforces one run per (connection, idempotency key) with a unique index

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const runColumns = `id, idempotency_key, owner_conn_id, owner, method, agent_id,
	params, status, result, error, created_at, updated_at`

// CreateRun stores a new run
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.IdempotencyKey,
		run.OwnerConnID,
		run.Owner,
		run.Method,
		run.AgentID,
		nullableJSON(run.Params),
		run.Status,
		nullableJSON(run.Result),
		run.Error,
		run.CreatedAt.UTC().Format(timeLayout),
		run.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRun
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	s.logger.Debug("created run", "id", run.ID, "owner", run.Owner)
	return nil
}

// GetRun retrieves a run by id
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// UpdateRun writes the mutable lifecycle fields of a run
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		run.Status,
		nullableJSON(run.Result),
		run.Error,
		run.UpdatedAt.UTC().Format(timeLayout),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunsByOwner returns the newest runs for an owner
func (s *SQLiteStore) ListRunsByOwner(ctx context.Context, owner string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE owner = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	return s.queryRuns(ctx, query, owner, limit)
}

// ListRunsByStatus returns all runs whose status is one of statuses
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]*Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status IN (` + placeholders + `)
		ORDER BY created_at ASC
	`
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}

	return runs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var params, result sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&run.ID,
		&run.IdempotencyKey,
		&run.OwnerConnID,
		&run.Owner,
		&run.Method,
		&run.AgentID,
		&params,
		&run.Status,
		&result,
		&run.Error,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	if params.Valid {
		run.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}

	var err error
	run.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	run.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &run, nil
}
