// ABOUTME: Run lifecycle manager: idempotent start, forward-only transitions, waits
// ABOUTME: Holds the continuation table that owes final responses to request ids

package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-gateway/internal/store"
)

// Failure messages recorded on runs that end without their work finishing.
const (
	ReasonAborted          = "aborted"
	ReasonDisconnected     = "connection closed"
	ReasonGatewayRestarted = "gateway restarted"
	ReasonShuttingDown     = "gateway shutting down"
)

var (
	// ErrRunNotFound is returned when no run has the given id.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidTransition is returned when a status change would move backward
	// or leave a final status.
	ErrInvalidTransition = errors.New("invalid run transition")
	// ErrMissingIdempotencyKey is returned by Start without a key.
	ErrMissingIdempotencyKey = errors.New("idempotency key required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("run manager closed")
	// ErrAlreadyLaunched is returned when Launch is called twice for a run.
	ErrAlreadyLaunched = errors.New("run already launched")
)

// Continuation identifies a request still owed a final response.
type Continuation struct {
	ConnID    string
	RequestID string
}

// TerminalFunc delivers the final response for a continuation.
type TerminalFunc func(c Continuation, run *store.Run)

// Work is the body of a run. The returned result is stored on completion; a
// returned error ends the run as errored with the error's message.
type Work func(ctx context.Context, run *store.Run) (json.RawMessage, error)

// StartRequest describes a new long-running request.
type StartRequest struct {
	ConnID         string
	Owner          string
	IdempotencyKey string
	Method         string
	AgentID        string
	Params         json.RawMessage
}

// Options configures a Manager.
type Options struct {
	Store              store.RunStore
	Logger             *slog.Logger
	CancelOnDisconnect bool
	// OnTerminal delivers final responses. May be set later with SetTerminalFunc.
	OnTerminal TerminalFunc
	Now        func() time.Time
}

// entry is the in-memory state of one run.
type entry struct {
	run      *store.Run
	conts    []Continuation
	done     chan struct{}
	cancel   context.CancelFunc
	launched bool
}

type indexKey struct {
	connID string
	key    string
}

// Manager owns all runs started through this gateway process.
type Manager struct {
	store              store.RunStore
	logger             *slog.Logger
	cancelOnDisconnect bool
	now                func() time.Time

	mu         sync.Mutex
	runs       map[string]*entry // unfinished runs only
	index      map[indexKey]string
	byConn     map[string][]string // connID -> unfinished run ids started on it
	finished   map[string]int      // final status -> runs ended by this process
	onTerminal TerminalFunc
	closed     bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	st := opts.Store
	if st == nil {
		st = store.NewMockStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:              st,
		logger:             logger.With("component", "runs"),
		cancelOnDisconnect: opts.CancelOnDisconnect,
		now:                now,
		runs:               make(map[string]*entry),
		index:              make(map[indexKey]string),
		byConn:             make(map[string][]string),
		finished:           make(map[string]int),
		onTerminal:         opts.OnTerminal,
		baseCtx:            ctx,
		baseCancel:         cancel,
	}
}

// SetTerminalFunc replaces the final response deliverer.
func (m *Manager) SetTerminalFunc(fn TerminalFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Start creates a run in "accepted", or returns the existing run when the
// connection already used this idempotency key. created reports which. A
// finished run is read back from the store.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*store.Run, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, ErrMissingIdempotencyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	key := indexKey{connID: req.ConnID, key: req.IdempotencyKey}
	if id, ok := m.index[key]; ok {
		if e, ok := m.runs[id]; ok {
			return snapshot(e.run), false, nil
		}
		prev, err := m.store.GetRun(ctx, id)
		if err == nil {
			return prev, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("loading run: %w", err)
		}
	}

	now := m.now()
	r := &store.Run{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		OwnerConnID:    req.ConnID,
		Owner:          req.Owner,
		Method:         req.Method,
		AgentID:        req.AgentID,
		Params:         req.Params,
		Status:         store.RunStatusAccepted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateRun(ctx, r); err != nil {
		return nil, false, fmt.Errorf("persisting run: %w", err)
	}

	m.runs[r.ID] = &entry{run: r, done: make(chan struct{})}
	m.index[key] = r.ID
	m.byConn[req.ConnID] = append(m.byConn[req.ConnID], r.ID)

	m.logger.Debug("run accepted", "run_id", r.ID, "conn_id", req.ConnID, "method", req.Method)
	return snapshot(r), true, nil
}

// Attach registers a continuation owed the run's final response. If the run
// already ended the continuation is delivered before Attach returns.
func (m *Manager) Attach(runID string, c Continuation) error {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if ok {
		e.conts = append(e.conts, c)
		m.mu.Unlock()
		return nil
	}
	deliver := m.onTerminal
	m.mu.Unlock()

	final, ok := m.finalRun(runID)
	if !ok {
		return ErrRunNotFound
	}
	if deliver != nil {
		deliver(c, final)
	}
	return nil
}

// finalRun returns the stored record of a run that has left memory because
// it ended.
func (m *Manager) finalRun(runID string) (*store.Run, bool) {
	r, err := m.store.GetRun(context.Background(), runID)
	if err != nil || !r.Terminal() {
		return nil, false
	}
	return r, true
}

// notHeld is the error for a run id missing from memory.
func (m *Manager) notHeld(runID string) error {
	if r, ok := m.finalRun(runID); ok {
		return fmt.Errorf("%w: run already %s", ErrInvalidTransition, r.Status)
	}
	return ErrRunNotFound
}

// Continuations returns the pending continuations of a run.
func (m *Manager) Continuations(runID string) []Continuation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.runs[runID]; ok {
		return slices.Clone(e.conts)
	}
	return nil
}

// Launch runs work in its own goroutine, moving the run to "running" first.
// The work context is cancelled by Abort, by a cancelling disconnect, or by Close.
func (m *Manager) Launch(runID string, work Work) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	e, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return ErrRunNotFound
	}
	if e.launched {
		m.mu.Unlock()
		return ErrAlreadyLaunched
	}
	e.launched = true
	ctx, cancel := context.WithCancel(m.baseCtx)
	e.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()

		if err := m.Advance(runID, store.RunStatusRunning, nil, ""); err != nil {
			// Aborted before it started.
			return
		}

		snap, err := m.Get(ctx, runID)
		if err != nil {
			return
		}

		result, err := work(ctx, snap)
		switch {
		case err == nil:
			err = m.Advance(runID, store.RunStatusCompleted, result, "")
		case ctx.Err() != nil && m.baseCtx.Err() != nil:
			err = m.Advance(runID, store.RunStatusErrored, nil, ReasonShuttingDown)
		default:
			err = m.Advance(runID, store.RunStatusErrored, result, err.Error())
		}
		// Aborted runs already hold their final status.
		if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrRunNotFound) {
			m.logger.Error("finishing run", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// rank orders statuses; final statuses share the top rank.
func rank(status string) int {
	switch status {
	case store.RunStatusAccepted:
		return 0
	case store.RunStatusRunning:
		return 1
	case store.RunStatusCompleted, store.RunStatusErrored:
		return 2
	}
	return -1
}

// Advance moves a run to status. Reaching a final status delivers the final
// response to every attached continuation, wakes waiters and drops the run
// from memory. The store keeps the final record.
func (m *Manager) Advance(runID, status string, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return m.notHeld(runID)
	}
	cur := e.run.Status
	if rank(status) < 0 || rank(status) <= rank(cur) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
	}

	updated := *e.run
	updated.Status = status
	updated.Result = result
	updated.Error = errMsg
	updated.UpdatedAt = m.now()
	if err := m.store.UpdateRun(context.Background(), &updated); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persisting run: %w", err)
	}
	e.run = &updated

	if !updated.Terminal() {
		m.mu.Unlock()
		return nil
	}

	conts := e.conts
	e.conts = nil
	close(e.done)
	delete(m.runs, runID)
	if ids, live := m.byConn[e.run.OwnerConnID]; live {
		m.byConn[e.run.OwnerConnID] = slices.DeleteFunc(ids, func(id string) bool { return id == runID })
	}
	m.finished[status]++
	snap := snapshot(e.run)
	deliver := m.onTerminal
	m.mu.Unlock()

	m.logger.Info("run finished", "run_id", runID, "status", status, "error", errMsg)
	if deliver != nil {
		for _, c := range conts {
			deliver(c, snap)
		}
	}
	return nil
}

// Get returns a snapshot of a run, falling back to the store for runs this
// process no longer holds in memory.
func (m *Manager) Get(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if ok {
		snap := snapshot(e.run)
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	r, err := m.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Wait blocks until the run ends or ctx is done. It always returns the latest
// snapshot; on ctx expiry the snapshot is returned together with ctx.Err().
func (m *Manager) Wait(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		// Not held in memory: either finished and released, or recovered.
		return m.Get(ctx, runID)
	}

	select {
	case <-e.done:
		return m.Get(ctx, runID)
	case <-ctx.Done():
		snap, err := m.Get(context.WithoutCancel(ctx), runID)
		if err != nil {
			return nil, err
		}
		return snap, ctx.Err()
	}
}

// Abort cancels a run's work and ends it as errored with reason.
func (m *Manager) Abort(runID, reason string) (*store.Run, error) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
	}
	m.mu.Unlock()
	if !ok {
		return nil, m.notHeld(runID)
	}

	if err := m.Advance(runID, store.RunStatusErrored, nil, reason); err != nil {
		return nil, err
	}
	if cancel != nil {
		cancel()
	}
	return m.Get(context.Background(), runID)
}

// DetachConnection drops every continuation held for connID and releases its
// idempotency keys. Unfinished runs started on it keep going, or end as
// errored when the manager cancels on disconnect. Returns the number of
// unfinished runs the connection left behind.
func (m *Manager) DetachConnection(connID string) int {
	m.mu.Lock()
	for _, e := range m.runs {
		if len(e.conts) == 0 {
			continue
		}
		e.conts = slices.DeleteFunc(e.conts, func(c Continuation) bool { return c.ConnID == connID })
	}
	for k := range m.index {
		if k.connID == connID {
			delete(m.index, k)
		}
	}

	var unfinished []string
	for _, id := range m.byConn[connID] {
		if _, ok := m.runs[id]; ok {
			unfinished = append(unfinished, id)
		}
	}
	delete(m.byConn, connID)
	cancelRuns := m.cancelOnDisconnect
	m.mu.Unlock()

	if cancelRuns {
		for _, id := range unfinished {
			if _, err := m.Abort(id, ReasonDisconnected); err != nil && !errors.Is(err, ErrInvalidTransition) {
				m.logger.Warn("cancelling run on disconnect", "run_id", id, "error", err)
			}
		}
	} else if len(unfinished) > 0 {
		m.logger.Info("connection closed with runs in flight", "conn_id", connID, "runs", len(unfinished))
	}
	return len(unfinished)
}

// Recover ends runs a previous process left unfinished. Call before serving.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stale, err := m.store.ListRunsByStatus(ctx, store.RunStatusAccepted, store.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished runs: %w", err)
	}

	for _, r := range stale {
		r.Status = store.RunStatusErrored
		r.Error = ReasonGatewayRestarted
		r.UpdatedAt = m.now()
		if err := m.store.UpdateRun(ctx, r); err != nil {
			return 0, fmt.Errorf("recovering run %s: %w", r.ID, err)
		}
	}
	if len(stale) > 0 {
		m.logger.Warn("recovered unfinished runs", "count", len(stale))
	}
	return len(stale), nil
}

// List returns the newest runs owned by owner.
func (m *Manager) List(ctx context.Context, owner string, limit int) ([]*store.Run, error) {
	return m.store.ListRunsByOwner(ctx, owner, limit)
}

// Counts returns the number of unfinished runs per status, plus the runs
// that reached each final status since the manager was created.
func (m *Manager) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[string]int{
		store.RunStatusAccepted:  0,
		store.RunStatusRunning:   0,
		store.RunStatusCompleted: m.finished[store.RunStatusCompleted],
		store.RunStatusErrored:   m.finished[store.RunStatusErrored],
	}
	for _, e := range m.runs {
		counts[e.run.Status]++
	}
	return counts
}

// Close cancels all work and waits for it to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()
}

func snapshot(r *store.Run) *store.Run {
	c := *r
	c.Params = slices.Clone(r.Params)
	c.Result = slices.Clone(r.Result)
	return &c
}
