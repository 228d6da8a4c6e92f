// ABOUTME: Built-in method handlers: health, status, agent runs, wait, abort, events, list
// ABOUTME: Runs are visible only to the identity that started them unless the caller is admin

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/2389/agent-gateway/internal/agent"
	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/run"
	"github.com/2389/agent-gateway/internal/store"
)

// maxWait caps agent.wait regardless of the requested timeout.
const maxWait = 10 * time.Minute

func (g *Gateway) handleHealthMethod(_ context.Context, _ *Conn, _ json.RawMessage) (any, error) {
	return protocol.HealthPayload{OK: true, TS: time.Now().UnixMilli()}, nil
}

func (g *Gateway) handleStatus(_ context.Context, c *Conn, _ json.RawMessage) (any, error) {
	c.mu.Lock()
	version := c.protocol
	c.mu.Unlock()

	return protocol.StatusPayload{
		Protocol:    version,
		Connections: g.ConnectionCount(),
		Runs:        g.runs.Counts(),
		UptimeMs:    time.Since(g.startedAt).Milliseconds(),
	}, nil
}

// handleAgent starts (or rejoins, by idempotency key) an agent run.
func (g *Gateway) handleAgent(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params protocol.AgentParams
	if perr := decodeParams(raw, &params); perr != nil {
		return nil, perr
	}
	if strings.TrimSpace(params.IdempotencyKey) == "" {
		return nil, protocol.ErrInvalidParams("idempotencyKey is required")
	}
	if params.Message == "" {
		return nil, protocol.ErrInvalidParams("message is required")
	}
	if _, err := g.agents.Resolve(params.AgentID); err != nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "unknown agent %q", params.AgentID)
	}

	id := auth.MustFromContext(ctx)
	r, created, err := g.runs.Start(ctx, run.StartRequest{
		ConnID:         c.id,
		Owner:          id.Subject,
		IdempotencyKey: params.IdempotencyKey,
		Method:         protocol.MethodAgent,
		AgentID:        params.AgentID,
		Params:         raw,
	})
	if err != nil {
		return nil, err
	}

	return &runStarted{run: r, created: created, work: g.agentWork(c, params)}, nil
}

// agentWork is the body of an agent run. It streams executor output to the
// starting connection through the broadcaster and closes the stream with a
// done marker.
func (g *Gateway) agentWork(owner *Conn, params protocol.AgentParams) run.Work {
	return func(ctx context.Context, r *store.Run) (json.RawMessage, error) {
		if err := g.events.Register(r.ID, owner); err != nil {
			return nil, err
		}
		defer g.events.Release(r.ID)

		emit := agent.EmitterFunc(func(ctx context.Context, evt protocol.AgentEvent) error {
			_, err := g.events.Emit(ctx, r.ID, evt)
			return err
		})

		exec, err := g.agents.Resolve(r.AgentID)
		if err == nil {
			var result json.RawMessage
			result, err = exec.Execute(ctx, agent.Request{
				RunID:      r.ID,
				AgentID:    r.AgentID,
				Message:    params.Message,
				SessionKey: params.SessionKey,
				Extra:      params.Extra,
			}, emit)
			if err == nil {
				g.emitDone(ctx, r.ID, "")
				return result, nil
			}
		}

		g.emitDone(ctx, r.ID, err.Error())
		return nil, err
	}
}

func (g *Gateway) emitDone(ctx context.Context, runID, errMsg string) {
	if _, err := g.events.Emit(context.WithoutCancel(ctx), runID, protocol.DoneMarker(errMsg)); err != nil {
		g.logger.Debug("done marker not emitted", "run_id", runID, "error", err)
	}
}

// handleAgentWait blocks until the run ends or the timeout passes and returns
// the latest snapshot either way.
func (g *Gateway) handleAgentWait(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params protocol.AgentWaitParams
	if perr := decodeParams(raw, &params); perr != nil {
		return nil, perr
	}
	if _, err := g.ownedRun(ctx, params.RunID); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, waitTimeout(params.TimeoutMs, g.config.Runs.RequestTimeout))
	defer cancel()

	r, err := g.runs.Wait(wctx, params.RunID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if r == nil {
		return nil, notFound(params.RunID)
	}
	return runPayload(r), nil
}

// waitTimeout turns a requested timeoutMs into a duration no longer than
// maxWait. Zero or negative picks def.
func waitTimeout(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return min(def, maxWait)
	}
	if ms >= maxWait.Milliseconds() {
		return maxWait
	}
	return time.Duration(ms) * time.Millisecond
}

// handleAgentAbort ends an unfinished run as errored. Aborting a finished run
// returns it unchanged.
func (g *Gateway) handleAgentAbort(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params protocol.AgentAbortParams
	if perr := decodeParams(raw, &params); perr != nil {
		return nil, perr
	}
	r, err := g.ownedRun(ctx, params.RunID)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return runPayload(r), nil
	}

	aborted, err := g.runs.Abort(r.ID, run.ReasonAborted)
	switch {
	case err == nil:
		return runPayload(aborted), nil
	case errors.Is(err, run.ErrInvalidTransition), errors.Is(err, run.ErrRunNotFound):
		// Finished between the lookup and the abort.
		final, gerr := g.runs.Get(ctx, r.ID)
		if gerr != nil {
			return nil, gerr
		}
		return runPayload(final), nil
	default:
		return nil, err
	}
}

// handleAgentEvents returns the stored events of a run, or with follow replays
// them as event frames and streams the rest live to this connection.
func (g *Gateway) handleAgentEvents(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params protocol.AgentEventsParams
	if perr := decodeParams(raw, &params); perr != nil {
		return nil, perr
	}
	if params.AfterSeq < 0 {
		return nil, protocol.ErrInvalidParams("afterSeq must not be negative")
	}
	r, err := g.ownedRun(ctx, params.RunID)
	if err != nil {
		return nil, err
	}

	payload := protocol.AgentEventsPayload{RunID: r.ID, Status: r.Status, Events: []protocol.AgentEvent{}}
	if params.Follow {
		replayed, live, err := g.events.Follow(ctx, r.ID, c, params.AfterSeq)
		if err != nil {
			return nil, err
		}
		payload.Replayed = replayed
		payload.Following = live
		return payload, nil
	}

	history, err := g.events.History(ctx, r.ID, params.AfterSeq, params.Limit)
	if err != nil {
		return nil, err
	}
	payload.Events = append(payload.Events, history...)
	return payload, nil
}

func (g *Gateway) handleRunsList(ctx context.Context, _ *Conn, raw json.RawMessage) (any, error) {
	var params protocol.RunsListParams
	if perr := decodeParams(raw, &params); perr != nil {
		return nil, perr
	}
	id := auth.MustFromContext(ctx)
	runs, err := g.runs.List(ctx, id.Subject, params.Limit)
	if err != nil {
		return nil, err
	}

	out := protocol.RunsListPayload{Runs: make([]protocol.RunSummary, 0, len(runs))}
	for _, r := range runs {
		out.Runs = append(out.Runs, protocol.RunSummary{
			RunID:          r.ID,
			IdempotencyKey: r.IdempotencyKey,
			Method:         r.Method,
			Status:         r.Status,
			CreatedAt:      r.CreatedAt.UnixMilli(),
			UpdatedAt:      r.UpdatedAt.UnixMilli(),
		})
	}
	return out, nil
}

// ownedRun loads a run the caller may see. Runs of other identities look
// exactly like missing runs.
func (g *Gateway) ownedRun(ctx context.Context, runID string) (*store.Run, error) {
	if runID == "" {
		return nil, protocol.ErrInvalidParams("runId is required")
	}
	r, err := g.runs.Get(ctx, runID)
	if errors.Is(err, run.ErrRunNotFound) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, err
	}
	id := auth.MustFromContext(ctx)
	if r.Owner != id.Subject && !id.HasScope(protocol.ScopeAdmin) {
		return nil, notFound(runID)
	}
	return r, nil
}

func notFound(runID string) *protocol.Error {
	return protocol.NewError(protocol.CodeNotFound, "run %q not found", runID)
}
