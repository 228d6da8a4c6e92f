// ABOUTME: Store interface and data types for agent-gateway run persistence
// ABOUTME: Defines Run and RunEvent records and the RunStore and Store interfaces

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRun is returned when a run with the same id, or the same
// idempotency key on the same connection, already exists
var ErrDuplicateRun = errors.New("run already exists")

// Run status values. Transitions only move forward; completed and errored are final.
const (
	RunStatusAccepted  = "accepted"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusErrored   = "errored"
)

// Run is the persisted record of one long-running request
type Run struct {
	ID             string
	IdempotencyKey string
	OwnerConnID    string
	Owner          string // identity subject, used to list runs across reconnects
	Method         string
	AgentID        string
	Params         json.RawMessage
	Status         string
	Result         json.RawMessage
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the run has reached a final status
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusErrored
}

// RunEvent is one agent event emitted for a run, kept for replay
type RunEvent struct {
	RunID     string
	Seq       int64
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// RunStore persists runs and their events
type RunStore interface {
	// CreateRun stores a new run. Returns ErrDuplicateRun on id or
	// (owner connection, idempotency key) collision.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by id. Returns ErrNotFound if absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun writes status, result, error and updated_at of an existing run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRunsByOwner returns the most recent runs for an owner, newest first.
	ListRunsByOwner(ctx context.Context, owner string, limit int) ([]*Run, error)

	// ListRunsByStatus returns all runs in any of the given statuses.
	ListRunsByStatus(ctx context.Context, statuses ...string) ([]*Run, error)

	// SaveRunEvent appends an event to a run's history.
	SaveRunEvent(ctx context.Context, event *RunEvent) error

	// ListRunEvents returns events with seq greater than afterSeq, in seq order.
	ListRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*RunEvent, error)

	// Close releases resources
	Close() error
}

// Store is everything the gateway persists: runs with their events, and the
// connection audit log.
type Store interface {
	RunStore
	AuditStore
}
