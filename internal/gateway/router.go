// ABOUTME: Request router: method table with scopes, per-request timeout, error mapping
// ABOUTME: Long-running methods answer twice, accepted first and the final status later

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/run"
	"github.com/2389/agent-gateway/internal/store"
)

// handlerFunc serves one method. The returned value is the response payload,
// or a *runStarted for long-running methods.
type handlerFunc func(ctx context.Context, c *Conn, params json.RawMessage) (any, error)

// method is one routable entry.
type method struct {
	name    string
	scope   string
	handler handlerFunc
	// selfTimed methods bound their own wait and skip the request timeout.
	selfTimed bool
}

// runStarted is returned by long-running handlers in place of a payload.
type runStarted struct {
	run     *store.Run
	created bool
	work    run.Work
}

// router dispatches authenticated requests.
type router struct {
	gw      *Gateway
	methods map[string]method
	timeout time.Duration
	logger  *slog.Logger
}

func newRouter(gw *Gateway, timeout time.Duration) *router {
	r := &router{
		gw:      gw,
		methods: make(map[string]method),
		timeout: timeout,
		logger:  gw.logger.With("component", "router"),
	}
	r.register(method{name: protocol.MethodHealth, scope: protocol.ScopeRead, handler: gw.handleHealthMethod})
	r.register(method{name: protocol.MethodStatus, scope: protocol.ScopeRead, handler: gw.handleStatus})
	r.register(method{name: protocol.MethodAgent, scope: protocol.ScopeWrite, handler: gw.handleAgent})
	r.register(method{name: protocol.MethodAgentWait, scope: protocol.ScopeRead, handler: gw.handleAgentWait, selfTimed: true})
	r.register(method{name: protocol.MethodAgentAbort, scope: protocol.ScopeWrite, handler: gw.handleAgentAbort})
	r.register(method{name: protocol.MethodAgentEvents, scope: protocol.ScopeRead, handler: gw.handleAgentEvents})
	r.register(method{name: protocol.MethodRunsList, scope: protocol.ScopeRead, handler: gw.handleRunsList})
	return r
}

func (r *router) register(m method) {
	r.methods[m.name] = m
}

// methodsFor lists the methods an identity may call, sorted.
func (r *router) methodsFor(id *auth.Identity) []string {
	names := make([]string, 0, len(r.methods))
	for name, m := range r.methods {
		if id.HasScope(m.scope) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// dispatch serves a claimed request and settles its id.
func (r *router) dispatch(ctx context.Context, c *Conn, req *protocol.RequestFrame) {
	m, ok := r.methods[req.Method]
	if !ok {
		c.finish(protocol.NewErrorResponse(req.ID, protocol.ErrMethodNotFound(req.Method)))
		return
	}

	id := c.Identity()
	if !id.HasScope(m.scope) {
		c.finish(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeForbidden, "method %q requires scope %s", m.name, m.scope)))
		return
	}

	ctx = auth.WithIdentity(ctx, id)
	if !m.selfTimed && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := m.handler(ctx, c, req.Params)
	if err != nil {
		c.finish(protocol.NewErrorResponse(req.ID, r.wireError(ctx, c, req, err)))
		return
	}

	if started, ok := result.(*runStarted); ok {
		r.accept(c, req.ID, started)
		return
	}
	c.finish(protocol.NewResult(req.ID, result))
}

// accept sends the accepted response and parks the request on the run. The
// final response goes out when the run ends, possibly before accept returns.
func (r *router) accept(c *Conn, requestID string, s *runStarted) {
	if s.run.Terminal() {
		c.finish(terminalResponse(requestID, s.run))
		return
	}

	c.reply(protocol.NewResult(requestID, protocol.RunPayload{
		RunID:  s.run.ID,
		Status: protocol.StatusAccepted,
	}))

	runs := r.gw.runs
	cont := run.Continuation{ConnID: c.id, RequestID: requestID}
	if err := runs.Attach(s.run.ID, cont); err != nil {
		// Released between start and attach; answer from the stored record.
		final, gerr := runs.Get(context.Background(), s.run.ID)
		if gerr != nil {
			r.logger.Error("attaching to run", "run_id", s.run.ID, "error", err, "lookup_error", gerr)
			c.finish(protocol.NewErrorResponse(requestID, protocol.NewError(protocol.CodeInternal, "run unavailable")))
			return
		}
		c.finish(terminalResponse(requestID, final))
		return
	}

	if !s.created {
		return
	}
	if err := runs.Launch(s.run.ID, s.work); err != nil {
		r.logger.Error("launching run", "run_id", s.run.ID, "error", err)
		if _, aerr := runs.Abort(s.run.ID, run.ReasonShuttingDown); aerr != nil && !errors.Is(aerr, run.ErrInvalidTransition) {
			r.logger.Error("failing unlaunched run", "run_id", s.run.ID, "error", aerr)
		}
	}
}

// wireError maps a handler error to the wire error shape.
func (r *router) wireError(ctx context.Context, c *Conn, req *protocol.RequestFrame, err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return &protocol.Error{
			Code:      protocol.CodeTimeout,
			Message:   "request timed out",
			Retryable: true,
		}
	}
	if errors.Is(err, run.ErrClosed) || errors.Is(err, context.Canceled) {
		return &protocol.Error{
			Code:      protocol.CodeUnavailable,
			Message:   "gateway is shutting down",
			Retryable: true,
		}
	}
	r.logger.Error("request failed",
		"conn_id", c.id,
		"request_id", req.ID,
		"method", req.Method,
		"error", err)
	return protocol.NewError(protocol.CodeInternal, "internal error")
}

// terminalResponse is the final response of a long-running request.
func terminalResponse(requestID string, r *store.Run) *protocol.ResponseFrame {
	payload := runPayload(r)
	if r.Status == store.RunStatusErrored {
		resp := protocol.NewErrorResponse(requestID, &protocol.Error{
			Code:    protocol.CodeRunFailed,
			Message: r.Error,
		})
		resp.Payload = payload
		return resp
	}
	return protocol.NewResult(requestID, payload)
}

func runPayload(r *store.Run) protocol.RunPayload {
	return protocol.RunPayload{
		RunID:  r.ID,
		Status: r.Status,
		Result: r.Result,
		Error:  r.Error,
	}
}
