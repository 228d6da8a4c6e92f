// ABOUTME: Connection audit trail written to the store
// ABOUTME: Records handshake outcomes and disconnects with server-side reasons

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/store"
)

const auditWriteTimeout = 5 * time.Second

// audit records a lifecycle event for this connection. Write failures are
// logged and otherwise ignored.
func (c *Conn) audit(action store.AuditAction, credential, reason string) {
	c.mu.Lock()
	id := c.identity
	clientID := c.clientID
	c.mu.Unlock()

	e := &store.AuditEntry{
		ConnID:     c.id,
		Action:     action,
		Credential: credential,
		ClientID:   clientID,
		RemoteAddr: c.remoteAddr,
		Reason:     reason,
	}
	if id != nil {
		e.Subject = id.Subject
		e.DeviceID = id.DeviceID
		if e.Credential == "" {
			e.Credential = id.Credential
		}
	}

	// Teardown runs after the connection context is cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), auditWriteTimeout)
	defer cancel()
	if err := c.gw.store.AppendAudit(ctx, e); err != nil {
		c.logger.Warn("writing audit entry", "action", action, "error", err)
	}
}

// auditAuthFailure records a failed connect with the credential and reason
// the authenticator reported.
func (c *Conn) auditAuthFailure(err error) {
	credential := ""
	var f *auth.Failure
	if errors.As(err, &f) {
		credential = f.Credential
	}
	c.audit(store.AuditAuthFailed, credential, string(auth.ReasonOf(err)))
}
