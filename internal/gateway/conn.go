// ABOUTME: One WebSocket client connection: read loop, ordered writer, handshake state
// ABOUTME: Implements events.Sink so run events are queued behind earlier responses

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/store"
)

// connState is the handshake state of a connection.
type connState int

const (
	stateOpen connState = iota
	stateChallenged
	stateAuthenticated
	stateRejected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateChallenged:
		return "challenged"
	case stateAuthenticated:
		return "authenticated"
	case stateRejected:
		return "rejected"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errConnClosed   = errors.New("connection closed")
	errBackpressure = errors.New("outbound queue full")
)

// closeRequest is queued behind pending frames to close the socket after they
// are written.
type closeRequest struct {
	code   websocket.StatusCode
	reason string
}

// Conn is the gateway side of one client connection.
type Conn struct {
	id         string
	remoteAddr string
	gw         *Gateway
	ws         *websocket.Conn
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out          chan any
	writeTimeout time.Duration
	seq          int64 // owned by the writer goroutine
	writerDone   chan struct{}

	mu       sync.Mutex
	state    connState
	nonce    string
	attempts int
	identity *auth.Identity
	protocol int
	clientID string
	pending  map[string]struct{} // request ids still owed a final response

	handlers  sync.WaitGroup
	closeOnce sync.Once
}

func newConn(gw *Gateway, id, remoteAddr string, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(gw.baseCtx)
	return &Conn{
		id:           id,
		remoteAddr:   remoteAddr,
		gw:           gw,
		ws:           ws,
		logger:       gw.logger.With("conn_id", id),
		ctx:          ctx,
		cancel:       cancel,
		out:          make(chan any, gw.config.Server.OutboundQueue),
		writeTimeout: gw.config.Server.WriteTimeout,
		writerDone:   make(chan struct{}),
		state:        stateOpen,
		pending:      make(map[string]struct{}),
	}
}

// ID implements events.Sink.
func (c *Conn) ID() string { return c.id }

// SendEvent implements events.Sink.
func (c *Conn) SendEvent(ctx context.Context, frame *protocol.EventFrame) error {
	return c.enqueue(ctx, frame)
}

// Identity returns the authenticated principal, or nil before connect succeeds.
func (c *Conn) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// serve runs the connection until the peer goes away, the gateway shuts down
// or the connection is closed for a protocol reason.
func (c *Conn) serve() {
	defer c.teardown()

	go c.writeLoop()

	if err := c.challenge(); err != nil {
		c.logger.Error("issuing challenge", "error", err)
		c.closeWith(websocket.StatusInternalError, "challenge unavailable")
		return
	}

	if timeout := c.gw.config.Handshake.Timeout; timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if c.currentState() != stateAuthenticated {
				c.logger.Warn("handshake timed out", "timeout", timeout)
				c.audit(store.AuditHandshakeTimeout, "", "handshake timeout")
				c.closeWith(websocket.StatusPolicyViolation, "handshake timeout")
			}
		})
		defer timer.Stop()
	}

	c.readLoop()
}

// readLoop decodes inbound frames. Malformed frames are logged and skipped.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && c.ctx.Err() == nil {
				c.logger.Debug("read ended", "error", err)
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		if frame.Type != protocol.FrameRequest {
			c.logger.Debug("ignoring non-request frame", "type", frame.Type)
			continue
		}
		c.handleRequest(frame.Request())
	}
}

// handleRequest runs connect inline, so handshake state changes in arrival
// order, and every other method on its own goroutine.
func (c *Conn) handleRequest(req *protocol.RequestFrame) {
	if req.Method == protocol.MethodConnect {
		c.handleConnect(req)
		return
	}

	if c.currentState() != stateAuthenticated {
		c.reply(protocol.NewErrorResponse(req.ID, protocol.ErrNotAuthenticated()))
		return
	}

	if !c.claim(req.ID) {
		c.reply(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeDuplicateRequest, "request %q is still in flight", req.ID)))
		return
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		c.gw.router.dispatch(c.ctx, c, req)
	}()
}

// claim marks a request id as in flight. It fails if the id already is.
func (c *Conn) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[id]; busy {
		return false
	}
	c.pending[id] = struct{}{}
	return true
}

func (c *Conn) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// reply queues a response that does not settle an in-flight request.
func (c *Conn) reply(resp *protocol.ResponseFrame) {
	if err := c.enqueue(c.ctx, resp); err != nil {
		c.logger.Debug("response not delivered", "request_id", resp.ID, "error", err)
	}
}

// finish frees a claimed request id and queues its final response. The id is
// free before the peer can see the response.
func (c *Conn) finish(resp *protocol.ResponseFrame) {
	c.release(resp.ID)
	c.reply(resp)
}

// enqueue appends a frame to the outbound queue. Frames leave in queue order.
// A queue that stays full for the write timeout closes the connection.
func (c *Conn) enqueue(ctx context.Context, frame any) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	case c.out <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.out <- frame:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.logger.Warn("outbound queue full, closing connection", "queue", cap(c.out))
		c.closeWith(websocket.StatusPolicyViolation, "backpressure")
		return errBackpressure
	}
}

// writeLoop is the only goroutine that writes data frames. It numbers event
// frames in the order they are written.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			switch f := frame.(type) {
			case closeRequest:
				c.closeWith(f.code, f.reason)
				return
			case *protocol.EventFrame:
				c.seq++
				f.Seq = c.seq
			}

			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.closeWith(websocket.StatusPolicyViolation, "write timeout")
				return
			}
		}
	}
}

// closeAfterFlush closes the connection once everything queued so far is sent.
func (c *Conn) closeAfterFlush(code websocket.StatusCode, reason string) {
	if err := c.enqueue(c.ctx, closeRequest{code: code, reason: reason}); err != nil {
		c.closeWith(code, reason)
	}
}

// closeWith sends a close frame and stops the connection. Safe to call from
// any goroutine and more than once.
func (c *Conn) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != stateRejected {
			c.state = stateClosed
		}
		c.mu.Unlock()

		go func() {
			_ = c.ws.Close(code, reason)
			c.cancel()
		}()
	})
}

// teardown releases everything the connection holds in shared registries.
func (c *Conn) teardown() {
	c.closeWith(websocket.StatusNormalClosure, "")
	c.cancel()
	c.handlers.Wait()
	<-c.writerDone

	c.mu.Lock()
	c.state = stateClosed
	outstanding := c.nonce
	c.nonce = ""
	authenticated := c.identity != nil
	c.mu.Unlock()
	if outstanding != "" {
		c.gw.nonces.Consume(outstanding)
	}

	c.gw.removeConn(c.id)
	unfinished := c.gw.runs.DetachConnection(c.id)
	orphaned := c.gw.events.DetachSink(c.id)
	c.logger.Info("connection closed", "unfinished_runs", unfinished, "orphaned_streams", orphaned)
	if authenticated {
		c.audit(store.AuditDisconnected, "", "")
	}
}
