// ABOUTME: WebSocket client for the gateway protocol: dial, challenge, connect, calls
// ABOUTME: Correlates responses by request id and routes agent events to their runs

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

const (
	defaultEventBuffer = 256
	maxFrameBytes      = 1 << 20
)

// Options configures Dial.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://127.0.0.1:18789/ws.
	URL string
	// Token is the shared gateway token or a JWT issued for this client.
	Token string
	// Device, if set, signs the connect payload.
	Device *Device
	// Legacy signs v1 payloads that do not bind the challenge nonce.
	Legacy bool

	Client      protocol.ClientInfo
	Role        string
	Scopes      []string
	MinProtocol int
	MaxProtocol int

	HTTPClient  *http.Client
	Logger      *slog.Logger
	EventBuffer int

	// SkipConnect returns after the socket is open without running connect.
	SkipConnect bool
}

// pendingCall is a request waiting for its response. Long-running calls carry
// a run and receive two responses.
type pendingCall struct {
	responses chan *protocol.Frame
	run       *Run
}

// Client is one authenticated gateway connection.
type Client struct {
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64
	wmu    sync.Mutex

	mu          sync.Mutex
	pending     map[string]*pendingCall
	runs        map[string][]*Run // run id -> every handle on this connection
	nonce       string
	nonceReady  chan struct{}
	nonceClosed bool
	hello       *protocol.HelloPayload

	events chan *protocol.Frame
	done   chan struct{}
	err    error
}

// Dial opens a connection and, unless SkipConnect is set, completes the
// handshake. ctx bounds dialing and the handshake only.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{HTTPClient: opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	ws.SetReadLimit(maxFrameBytes)

	c := newClient(ws, opts)
	go c.readLoop()

	if opts.SkipConnect {
		return c, nil
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(ws *websocket.Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.MinProtocol == 0 {
		opts.MinProtocol = protocol.MinProtocolVersion
	}
	if opts.MaxProtocol == 0 {
		opts.MaxProtocol = protocol.MaxProtocolVersion
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ws:         ws,
		opts:       opts,
		logger:     logger.With("component", "client"),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]*pendingCall),
		runs:       make(map[string][]*Run),
		nonceReady: make(chan struct{}),
		events:     make(chan *protocol.Frame, opts.EventBuffer),
		done:       make(chan struct{}),
	}
}

// Hello returns the capability manifest from the last successful connect.
func (c *Client) Hello() *protocol.HelloPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Events delivers event frames not claimed by a run: ticks, and agent events
// of runs this client is not tracking. Frames are dropped when it is full.
func (c *Client) Events() <-chan *protocol.Frame {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}

// Challenge returns the current challenge nonce, waiting for one if needed.
func (c *Client) Challenge(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		n, ready := c.nonce, c.nonceReady
		c.mu.Unlock()
		if n != "" {
			return n, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", c.closedErr()
		}
	}
}

func (c *Client) setNonce(n string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = n
	if !c.nonceClosed {
		close(c.nonceReady)
		c.nonceClosed = true
	}
}

// forgetNonce drops n if it is still current, so the next Challenge waits for
// the replacement the gateway sends after burning it.
func (c *Client) forgetNonce(n string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonce == n {
		c.nonce = ""
		c.nonceReady = make(chan struct{})
		c.nonceClosed = false
	}
}

// ConnectParams builds signed connect params for a challenge nonce.
func (c *Client) ConnectParams(nonce string) (*protocol.ConnectParams, error) {
	p := &protocol.ConnectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client:      c.opts.Client,
		Role:        c.opts.Role,
		Scopes:      c.opts.Scopes,
		Auth:        protocol.AuthParams{Token: c.opts.Token},
	}
	if c.opts.Device == nil {
		return p, nil
	}

	dev := c.opts.Device
	payload := auth.DevicePayload{
		Version:    auth.DeviceAuthV2,
		DeviceID:   dev.ID,
		ClientID:   p.Client.ID,
		ClientMode: p.Client.Mode,
		Role:       p.Role,
		Scopes:     p.Scopes,
		SignedAtMs: time.Now().UnixMilli(),
		Token:      p.Auth.Token,
		Nonce:      nonce,
	}
	if c.opts.Legacy {
		payload.Version = auth.DeviceAuthV1
		payload.Nonce = ""
	}
	sig, err := dev.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("signing connect payload: %w", err)
	}
	p.Auth.Device = &protocol.DeviceAuth{
		ID:        dev.ID,
		PublicKey: dev.PublicKeyString(),
		Signature: sig,
		SignedAt:  payload.SignedAtMs,
		Nonce:     payload.Nonce,
	}
	return p, nil
}

// Connect answers the current challenge. On success the manifest is
// available from Hello.
func (c *Client) Connect(ctx context.Context) error {
	n, err := c.Challenge(ctx)
	if err != nil {
		return fmt.Errorf("waiting for challenge: %w", err)
	}
	params, err := c.ConnectParams(n)
	if err != nil {
		return err
	}

	var hello protocol.HelloPayload
	if err := c.Call(ctx, protocol.MethodConnect, params, &hello); err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Code == protocol.CodeAuthFailed && params.Auth.Device != nil && params.Auth.Device.Nonce != "" {
			c.forgetNonce(n)
		}
		return err
	}

	c.mu.Lock()
	c.hello = &hello
	c.mu.Unlock()
	return nil
}

func (c *Client) newID() string {
	return "r" + strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) register(id string, p *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = p
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) send(ctx context.Context, req *protocol.RequestFrame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		return fmt.Errorf("sending %s: %w", req.Method, err)
	}
	return nil
}

func (c *Client) request(id, method string, params any) (*protocol.RequestFrame, error) {
	req := &protocol.RequestFrame{Type: protocol.FrameRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// Call sends one request and decodes the response payload into out. A failed
// response is returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.newID()
	req, err := c.request(id, method, params)
	if err != nil {
		return err
	}

	p := &pendingCall{responses: make(chan *protocol.Frame, 1)}
	c.register(id, p)
	defer c.unregister(id)

	if err := c.send(ctx, req); err != nil {
		return err
	}

	select {
	case f := <-p.responses:
		return decodeResponse(f, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func decodeResponse(f *protocol.Frame, out any) error {
	if !f.OK {
		if f.Error != nil {
			return f.Error
		}
		return protocol.NewError(protocol.CodeInternal, "request failed without error detail")
	}
	if out == nil || len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decoding response payload: %w", err)
	}
	return nil
}

func (c *Client) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// readLoop routes every inbound frame until the connection ends.
func (c *Client) readLoop() {
	var err error
	defer func() {
		c.shutdown(err)
	}()

	for {
		var f protocol.Frame
		if err = wsjson.Read(c.ctx, c.ws, &f); err != nil {
			return
		}
		switch f.Type {
		case protocol.FrameResponse:
			c.routeResponse(&f)
		case protocol.FrameEvent:
			c.routeEvent(&f)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	runs := make([]*Run, 0, len(c.runs)+len(c.pending))
	for _, handles := range c.runs {
		runs = append(runs, handles...)
	}
	for _, p := range c.pending {
		if p.run != nil {
			runs = append(runs, p.run)
		}
	}
	c.mu.Unlock()

	c.err = err
	close(c.done)
	for _, r := range runs {
		r.closeEvents()
	}
	close(c.events)
}

// trackRun registers a handle for the run's events. Callers hold c.mu.
func (c *Client) trackRun(r *Run) {
	if !slices.Contains(c.runs[r.ID], r) {
		c.runs[r.ID] = append(c.runs[r.ID], r)
	}
}

// untrackRun removes one handle. Callers hold c.mu.
func (c *Client) untrackRun(r *Run) {
	handles := slices.DeleteFunc(c.runs[r.ID], func(h *Run) bool { return h == r })
	if len(handles) == 0 {
		delete(c.runs, r.ID)
		return
	}
	c.runs[r.ID] = handles
}

func (c *Client) routeResponse(f *protocol.Frame) {
	c.mu.Lock()
	p := c.pending[f.ID]
	var terminal bool
	if p != nil && p.run != nil {
		var rp protocol.RunPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &rp); err != nil {
				c.logger.Warn("malformed run response", "id", f.ID, "error", err)
				f = &protocol.Frame{
					Type:  protocol.FrameResponse,
					ID:    f.ID,
					Error: protocol.NewError(protocol.CodeInternal, "malformed run response: %v", err),
				}
			}
		}
		terminal = !f.OK || rp.Status == protocol.StatusCompleted || rp.Status == protocol.StatusErrored
		if p.run.ID == "" && rp.RunID != "" {
			p.run.ID = rp.RunID
			if !terminal {
				c.trackRun(p.run)
			}
		}
		if terminal {
			delete(c.pending, f.ID)
			c.untrackRun(p.run)
		}
	}
	c.mu.Unlock()

	if p == nil {
		c.logger.Debug("response for unknown request", "id", f.ID)
		return
	}

	select {
	case p.responses <- f:
	default:
		c.logger.Debug("dropping extra response", "id", f.ID)
	}
	if terminal {
		p.run.finish(f)
	}
}

func (c *Client) routeEvent(f *protocol.Frame) {
	switch f.Event {
	case protocol.EventConnectChallenge:
		var ch protocol.ChallengePayload
		if err := json.Unmarshal(f.Payload, &ch); err == nil && ch.Nonce != "" {
			c.setNonce(ch.Nonce)
		}
		return
	case protocol.EventAgent:
		var evt protocol.AgentEvent
		if err := json.Unmarshal(f.Payload, &evt); err == nil {
			c.mu.Lock()
			handles := slices.Clone(c.runs[evt.RunID])
			if evt.Terminal() {
				for _, r := range handles {
					if r.followed {
						c.untrackRun(r)
					}
				}
			}
			c.mu.Unlock()
			for _, r := range handles {
				r.deliver(evt)
				if r.followed && evt.Terminal() {
					r.closeEvents()
				}
			}
			if len(handles) > 0 {
				return
			}
		}
	}

	select {
	case c.events <- f:
	default:
		c.logger.Debug("event buffer full, dropping event", "event", f.Event)
	}
}

// Health calls the health method.
func (c *Client) Health(ctx context.Context) (*protocol.HealthPayload, error) {
	var out protocol.HealthPayload
	if err := c.Call(ctx, protocol.MethodHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls the status method.
func (c *Client) Status(ctx context.Context) (*protocol.StatusPayload, error) {
	var out protocol.StatusPayload
	if err := c.Call(ctx, protocol.MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitRun asks the gateway for a run's status, waiting up to timeout for it
// to finish. A zero timeout uses the gateway default.
func (c *Client) WaitRun(ctx context.Context, runID string, timeout time.Duration) (*protocol.RunPayload, error) {
	var out protocol.RunPayload
	params := protocol.AgentWaitParams{RunID: runID, TimeoutMs: timeout.Milliseconds()}
	if err := c.Call(ctx, protocol.MethodAgentWait, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abort cancels a run.
func (c *Client) Abort(ctx context.Context, runID string) (*protocol.RunPayload, error) {
	var out protocol.RunPayload
	if err := c.Call(ctx, protocol.MethodAgentAbort, protocol.AgentAbortParams{RunID: runID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches stored events of a run with seq greater than afterSeq.
func (c *Client) History(ctx context.Context, runID string, afterSeq int64, limit int) (*protocol.AgentEventsPayload, error) {
	var out protocol.AgentEventsPayload
	params := protocol.AgentEventsParams{RunID: runID, AfterSeq: afterSeq, Limit: limit}
	if err := c.Call(ctx, protocol.MethodAgentEvents, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns the caller's most recent runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]protocol.RunSummary, error) {
	var out protocol.RunsListPayload
	if err := c.Call(ctx, protocol.MethodRunsList, protocol.RunsListParams{Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}
