// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run        // keyed by run ID
	runIndex map[string]string      // keyed by "connID\x00idempotencyKey" -> run ID
	events   map[string][]*RunEvent // keyed by run ID, in seq order
	audit    []AuditEntry           // in append order
	closed   bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		runs:     make(map[string]*Run),
		runIndex: make(map[string]string),
		events:   make(map[string][]*RunEvent),
	}
}

func idempotencyIndexKey(connID, key string) string {
	return connID + "\x00" + key
}

func copyRun(r *Run) *Run {
	c := *r
	c.Params = slices.Clone(r.Params)
	c.Result = slices.Clone(r.Result)
	return &c
}

// CreateRun stores a new run.
func (m *MockStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return ErrDuplicateRun
	}
	key := idempotencyIndexKey(run.OwnerConnID, run.IdempotencyKey)
	if _, ok := m.runIndex[key]; ok {
		return ErrDuplicateRun
	}

	m.runs[run.ID] = copyRun(run)
	m.runIndex[key] = run.ID
	return nil
}

// GetRun retrieves a run by ID.
func (m *MockStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

// UpdateRun writes status, result, error and updated_at.
func (m *MockStore) UpdateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	r.Status = run.Status
	r.Result = slices.Clone(run.Result)
	r.Error = run.Error
	r.UpdatedAt = run.UpdatedAt
	return nil
}

// ListRunsByOwner returns the newest runs for an owner.
func (m *MockStore) ListRunsByOwner(ctx context.Context, owner string, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []*Run
	for _, r := range m.runs {
		if r.Owner == owner {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsByStatus returns all runs in any of the given statuses.
func (m *MockStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, r := range m.runs {
		if slices.Contains(statuses, r.Status) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveRunEvent appends an event to a run's history.
func (m *MockStore) SaveRunEvent(ctx context.Context, event *RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[event.RunID]; !ok {
		return fmt.Errorf("run event for unknown run %s: %w", event.RunID, ErrNotFound)
	}
	for _, e := range m.events[event.RunID] {
		if e.Seq == event.Seq {
			return fmt.Errorf("run event %s/%d: %w", event.RunID, event.Seq, ErrDuplicateRun)
		}
	}

	c := *event
	c.Payload = slices.Clone(event.Payload)
	evts := append(m.events[event.RunID], &c)
	sort.Slice(evts, func(i, j int) bool { return evts[i].Seq < evts[j].Seq })
	m.events[event.RunID] = evts
	return nil
}

// ListRunEvents returns events after afterSeq in seq order.
func (m *MockStore) ListRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}

	var out []*RunEvent
	for _, e := range m.events[runID] {
		if e.Seq <= afterSeq {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// AppendAudit appends an audit entry.
func (m *MockStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if !e.Action.Valid() {
		return fmt.Errorf("unknown audit action %q", e.Action)
	}
	prepareAuditEntry(e)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// ListAudit returns matching entries, newest first.
func (m *MockStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(f.Limit)
	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		if f.matches(&m.audit[i]) {
			out = append(out, m.audit[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
