// ABOUTME: Executor interface for running agent turns and the registry of executors
// ABOUTME: Resolves an agent id to its executor, falling back to a default

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/2389/agent-gateway/internal/protocol"
)

// ErrUnknownAgent is returned when no executor is registered for an agent id.
var ErrUnknownAgent = errors.New("unknown agent")

// Request is one agent turn.
type Request struct {
	RunID      string
	AgentID    string
	Message    string
	SessionKey string
	Extra      json.RawMessage
}

// Emitter publishes progress events for the run being executed.
type Emitter interface {
	Emit(ctx context.Context, evt protocol.AgentEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt protocol.AgentEvent) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, evt protocol.AgentEvent) error {
	return f(ctx, evt)
}

// Executor runs agent turns.
type Executor interface {
	Execute(ctx context.Context, req Request, emit Emitter) (json.RawMessage, error)
}

// Registry resolves agent ids to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry creates a Registry. fallback serves requests without an agent id
// and may be nil.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		fallback:  fallback,
	}
}

// Register adds or replaces the executor for agentID.
func (r *Registry) Register(agentID string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentID] = exec
}

// Unregister removes the executor for agentID.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, agentID)
}

// Resolve returns the executor for agentID.
func (r *Registry) Resolve(agentID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if agentID == "" {
		if r.fallback == nil {
			return nil, fmt.Errorf("%w: no default agent", ErrUnknownAgent)
		}
		return r.fallback, nil
	}
	exec, ok := r.executors[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return exec, nil
}

// IDs returns the registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
