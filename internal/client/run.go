// ABOUTME: Client handle for one agent run: streamed events, transcript, final response
// ABOUTME: StartAgent is the two-phase call; Follow re-attaches to an existing run

package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/2389/agent-gateway/internal/protocol"
)

// Run tracks one agent run on this connection.
type Run struct {
	// ID is the gateway run id. RequestID is the id of the starting request,
	// empty for followed runs.
	ID        string
	RequestID string

	client     *Client
	followed   bool
	transcript Transcript

	mu     sync.Mutex
	events chan protocol.AgentEvent
	closed bool

	final    chan struct{}
	once     sync.Once
	response *protocol.RunPayload
	err      error
}

func newRun(c *Client, requestID string) *Run {
	return &Run{
		RequestID: requestID,
		client:    c,
		events:    make(chan protocol.AgentEvent, c.opts.EventBuffer),
		final:     make(chan struct{}),
	}
}

// Events streams the run's agent events in arrival order. The channel closes
// when the final response arrives, or for followed runs after the done
// marker. Events are dropped if the channel is full; Transcript keeps them all.
func (r *Run) Events() <-chan protocol.AgentEvent {
	return r.events
}

// Transcript returns the assembled output of the run.
func (r *Run) Transcript() *Transcript {
	return &r.transcript
}

// Done is closed when the final response arrives.
func (r *Run) Done() <-chan struct{} {
	return r.final
}

func (r *Run) deliver(evt protocol.AgentEvent) {
	r.transcript.Add(evt)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.client.logger.Debug("run event buffer full, dropping event", "run_id", r.ID, "seq", evt.Seq)
	}
}

func (r *Run) closeEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}

// finish records the final response.
func (r *Run) finish(f *protocol.Frame) {
	r.once.Do(func() {
		var rp protocol.RunPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &rp); err == nil {
				r.response = &rp
			}
		}
		if !f.OK {
			if f.Error != nil {
				r.err = f.Error
			} else {
				r.err = protocol.NewError(protocol.CodeRunFailed, "run failed")
			}
		}
		r.closeEvents()
		close(r.final)
	})
}

// Wait blocks for the final response. An errored run returns its payload
// together with a *protocol.Error. Followed runs poll agent.wait instead.
func (r *Run) Wait(ctx context.Context) (*protocol.RunPayload, error) {
	if r.followed {
		for {
			rp, err := r.client.WaitRun(ctx, r.ID, 0)
			if err != nil {
				return nil, err
			}
			if rp.Status == protocol.StatusCompleted || rp.Status == protocol.StatusErrored {
				return rp, nil
			}
		}
	}

	select {
	case <-r.final:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.client.done:
		select {
		case <-r.final:
			return r.response, r.err
		default:
		}
		return nil, r.client.closedErr()
	}
}

// Abort asks the gateway to cancel the run.
func (r *Run) Abort(ctx context.Context) (*protocol.RunPayload, error) {
	return r.client.Abort(ctx, r.ID)
}

// StartAgent sends an agent request and returns once the gateway accepted it.
// Reusing an idempotency key on the same connection rejoins the existing run;
// each returned handle receives the run's events and final response.
func (c *Client) StartAgent(ctx context.Context, params protocol.AgentParams) (*Run, error) {
	id := c.newID()
	req, err := c.request(id, protocol.MethodAgent, params)
	if err != nil {
		return nil, err
	}

	r := newRun(c, id)
	p := &pendingCall{responses: make(chan *protocol.Frame, 2), run: r}
	c.register(id, p)

	if err := c.send(ctx, req); err != nil {
		c.unregister(id)
		return nil, err
	}

	select {
	case f := <-p.responses:
		if !f.OK && r.ID == "" {
			// Rejected before any run existed.
			return nil, decodeResponse(f, nil)
		}
		return r, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Follow replays a run's stored events after afterSeq and streams its live
// events to this connection from then on.
func (c *Client) Follow(ctx context.Context, runID string, afterSeq int64) (*Run, *protocol.AgentEventsPayload, error) {
	r := newRun(c, "")
	r.ID = runID
	r.followed = true

	c.mu.Lock()
	c.trackRun(r)
	c.mu.Unlock()

	var out protocol.AgentEventsPayload
	params := protocol.AgentEventsParams{RunID: runID, AfterSeq: afterSeq, Follow: true}
	if err := c.Call(ctx, protocol.MethodAgentEvents, params, &out); err != nil {
		c.dropRun(r)
		return nil, nil, err
	}
	if !out.Following {
		// Finished runs only replay; nothing more will arrive.
		c.dropRun(r)
	}
	return r, &out, nil
}

func (c *Client) dropRun(r *Run) {
	c.mu.Lock()
	c.untrackRun(r)
	c.mu.Unlock()
	r.closeEvents()
}
