// ABOUTME: Run event history for replaying agent events after a reconnect
// ABOUTME: Events are keyed by (run id, seq) and read back in seq order

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SaveRunEvent appends an event to a run's history
func (s *SQLiteStore) SaveRunEvent(ctx context.Context, event *RunEvent) error {
	query := `
		INSERT INTO run_events (run_id, seq, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Seq,
		event.Kind,
		string(event.Payload),
		event.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run event %s/%d: %w", event.RunID, event.Seq, ErrDuplicateRun)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("run event for unknown run %s: %w", event.RunID, ErrNotFound)
		}
		return fmt.Errorf("inserting run event: %w", err)
	}
	return nil
}

// ListRunEvents returns events after afterSeq in seq order
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT run_id, seq, kind, payload, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying run events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var evt RunEvent
		var payload, createdAtStr string
		if err := rows.Scan(&evt.RunID, &evt.Seq, &evt.Kind, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning run event row: %w", err)
		}
		evt.Payload = json.RawMessage(payload)
		evt.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run event rows: %w", err)
	}

	return events, nil
}
