// ABOUTME: Connection handshake: challenge issue, connect validation, capability manifest
// ABOUTME: Failed attempts get one generic error; repeated failures reject the connection

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/store"
)

// challenge issues a fresh nonce for this connection and pushes it to the peer.
// Any previous nonce of the connection is burned first.
func (c *Conn) challenge() error {
	n, err := c.gw.nonces.Issue()
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.nonce
	c.nonce = n
	if c.state == stateOpen {
		c.state = stateChallenged
	}
	c.mu.Unlock()
	if prev != "" {
		c.gw.nonces.Consume(prev)
	}

	evt := protocol.NewEvent(protocol.EventConnectChallenge, protocol.ChallengePayload{
		Nonce: n,
		TS:    time.Now().UnixMilli(),
	})
	return c.enqueue(c.ctx, evt)
}

// handleConnect runs one connect attempt.
func (c *Conn) handleConnect(req *protocol.RequestFrame) {
	c.mu.Lock()
	state := c.state
	challengeNonce := c.nonce
	c.mu.Unlock()

	switch state {
	case stateAuthenticated:
		c.reply(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeAlreadyConnected, "connection is already authenticated")))
		return
	case stateChallenged:
	default:
		c.reply(protocol.NewErrorResponse(req.ID, protocol.ErrNotAuthenticated()))
		return
	}

	var params protocol.ConnectParams
	if err := decodeParams(req.Params, &params); err != nil {
		c.reply(protocol.NewErrorResponse(req.ID, err))
		return
	}
	c.mu.Lock()
	c.clientID = params.Client.ID
	c.mu.Unlock()

	version, ok := protocol.NegotiateVersion(params.MinProtocol, params.MaxProtocol)
	if !ok {
		c.logger.Info("protocol mismatch", "min", params.MinProtocol, "max", params.MaxProtocol)
		perr := protocol.NewError(protocol.CodeProtocolMismatch,
			"no shared protocol version in [%d, %d]", params.MinProtocol, params.MaxProtocol)
		perr.Details = map[string]int{
			"minProtocol": protocol.MinProtocolVersion,
			"maxProtocol": protocol.MaxProtocolVersion,
		}
		c.reply(protocol.NewErrorResponse(req.ID, perr))
		c.audit(store.AuditProtocolMismatch, "", fmt.Sprintf("offered [%d, %d]", params.MinProtocol, params.MaxProtocol))
		c.failedAttempt(challengeNonce)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.gw.config.Runs.RequestTimeout)
	defer cancel()
	id, err := c.gw.auth.Authenticate(ctx, &auth.Attempt{
		ConnID:         c.id,
		Params:         &params,
		ChallengeNonce: challengeNonce,
	})
	if err != nil {
		c.reply(protocol.NewErrorResponse(req.ID, protocol.ErrAuthFailed()))
		c.auditAuthFailure(err)
		c.failedAttempt(challengeNonce)
		return
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	c.identity = id
	c.protocol = version
	c.nonce = ""
	c.mu.Unlock()
	// A token-only connect leaves the challenge unused.
	c.gw.nonces.Consume(challengeNonce)

	c.logger.Info("connection authenticated",
		"subject", id.Subject,
		"credential", id.Credential,
		"role", id.Role,
		"scopes", id.Scopes,
		"device_id", id.DeviceID,
		"protocol", version,
		"client_id", params.Client.ID)

	c.reply(protocol.NewResult(req.ID, c.gw.hello(c, id, version)))
	c.audit(store.AuditConnected, "", "")

	if interval := c.gw.config.Runs.TickInterval; interval > 0 {
		c.handlers.Add(1)
		go c.tickLoop(interval)
	}
}

// failedAttempt counts a failed connect. At the limit the connection is
// rejected; otherwise a burned challenge is replaced so the peer can retry.
func (c *Conn) failedAttempt(challengeNonce string) {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	rejected := attempts >= c.gw.config.Handshake.MaxAttempts
	if rejected {
		c.state = stateRejected
	}
	c.mu.Unlock()

	if rejected {
		c.logger.Warn("connection rejected", "attempts", attempts)
		c.audit(store.AuditRejected, "", fmt.Sprintf("%d failed attempts", attempts))
		c.closeAfterFlush(websocket.StatusPolicyViolation, protocol.AuthFailedMessage)
		return
	}

	if !c.gw.nonces.Outstanding(challengeNonce) {
		if err := c.challenge(); err != nil {
			c.logger.Error("reissuing challenge", "error", err)
			c.closeAfterFlush(websocket.StatusInternalError, "challenge unavailable")
		}
	}
}

// hello builds the capability manifest for an authenticated identity.
func (g *Gateway) hello(c *Conn, id *auth.Identity, version int) protocol.HelloPayload {
	return protocol.HelloPayload{
		Type:     protocol.HelloType,
		Protocol: version,
		Server:   protocol.ServerInfo{Version: g.version, ConnID: c.id},
		Role:     id.Role,
		Scopes:   id.Scopes,
		DeviceID: id.DeviceID,
		Methods:  g.router.methodsFor(id),
		Events:   eventsFor(id),
	}
}

// eventsFor lists the events an identity may receive.
func eventsFor(id *auth.Identity) []string {
	evts := []string{}
	if id.HasScope(protocol.ScopeRead) || id.HasScope(protocol.ScopeWrite) {
		evts = append(evts, protocol.EventAgent)
	}
	return append(evts, protocol.EventTick)
}

// tickLoop sends keepalive ticks until the connection ends.
func (c *Conn) tickLoop(interval time.Duration) {
	defer c.handlers.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			tick := protocol.NewEvent(protocol.EventTick, protocol.TickPayload{TS: now.UnixMilli()})
			if err := c.SendEvent(c.ctx, tick); err != nil {
				return
			}
		}
	}
}

// decodeParams unmarshals request params, mapping failures to INVALID_REQUEST.
func decodeParams(raw json.RawMessage, v any) *protocol.Error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protocol.ErrInvalidParams(err.Error())
	}
	return nil
}
