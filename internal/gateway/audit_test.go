// ABOUTME: Tests for the connection audit trail
// ABOUTME: Handshake outcomes and disconnects land in the store with their reasons

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/store"
)

// waitAudit polls the audit log until it holds n entries, oldest first.
func waitAudit(t *testing.T, tg *testGateway, n int) []store.AuditEntry {
	t.Helper()
	var entries []store.AuditEntry
	require.Eventually(t, func() bool {
		var err error
		entries, err = tg.gw.store.ListAudit(context.Background(), store.AuditFilter{})
		return err == nil && len(entries) >= n
	}, 5*time.Second, 10*time.Millisecond)

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

func TestAudit_FailureThenSuccessThenDisconnect(t *testing.T) {
	tg := newTestGateway(t, nil)
	raw := tg.dialRaw(t)
	raw.challenge()

	resp := raw.call("c1", protocol.MethodConnect, tokenParams("nope"))
	require.False(t, resp.OK)
	resp = raw.call("c2", protocol.MethodConnect, tokenParams(testToken))
	require.True(t, resp.OK)
	hello := decodePayload[protocol.HelloPayload](t, resp)

	require.NoError(t, raw.ws.Close(websocket.StatusNormalClosure, ""))

	entries := waitAudit(t, tg, 3)
	require.Len(t, entries, 3)

	failed := entries[0]
	assert.Equal(t, store.AuditAuthFailed, failed.Action)
	assert.Equal(t, "token", failed.Credential)
	assert.Equal(t, "bad_token", failed.Reason)
	assert.Empty(t, failed.Subject)
	assert.Equal(t, "raw-client", failed.ClientID)
	assert.NotEmpty(t, failed.RemoteAddr)

	connected := entries[1]
	assert.Equal(t, store.AuditConnected, connected.Action)
	assert.Equal(t, "token", connected.Subject)
	assert.Equal(t, "token", connected.Credential)
	assert.Equal(t, hello.Server.ConnID, connected.ConnID)

	assert.Equal(t, store.AuditDisconnected, entries[2].Action)
	assert.Equal(t, hello.Server.ConnID, entries[2].ConnID)
}

func TestAudit_DeviceConnectRecordsDevice(t *testing.T) {
	dev := newTestDevice(t)
	tg := newTestGateway(t, approveDevice(dev))
	raw := tg.dialRaw(t)

	resp := raw.call("c1", protocol.MethodConnect, deviceParams(t, dev, raw.challenge()))
	require.True(t, resp.OK)

	entries := waitAudit(t, tg, 1)
	assert.Equal(t, store.AuditConnected, entries[0].Action)
	assert.Equal(t, "device:"+dev.ID, entries[0].Subject)
	assert.Equal(t, dev.ID, entries[0].DeviceID)
}

func TestAudit_UnapprovedDeviceReason(t *testing.T) {
	tg := newTestGateway(t, nil)
	dev := newTestDevice(t)
	raw := tg.dialRaw(t)

	resp := raw.call("c1", protocol.MethodConnect, deviceParams(t, dev, raw.challenge()))
	require.False(t, resp.OK)

	entries := waitAudit(t, tg, 1)
	assert.Equal(t, store.AuditAuthFailed, entries[0].Action)
	assert.Equal(t, "device", entries[0].Credential)
	assert.Equal(t, "device_not_approved", entries[0].Reason)
}

func TestAudit_RejectedAfterMaxAttempts(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Handshake.MaxAttempts = 2
	})
	raw := tg.dialRaw(t)
	raw.challenge()

	raw.call("c1", protocol.MethodConnect, tokenParams("bad"))
	raw.call("c2", protocol.MethodConnect, tokenParams("bad"))
	raw.waitClosed()

	entries := waitAudit(t, tg, 3)
	require.Len(t, entries, 3)
	assert.Equal(t, store.AuditAuthFailed, entries[0].Action)
	assert.Equal(t, store.AuditAuthFailed, entries[1].Action)
	assert.Equal(t, store.AuditRejected, entries[2].Action)
	assert.Equal(t, "2 failed attempts", entries[2].Reason)
}

func TestAudit_ProtocolMismatchAndTimeout(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Handshake.Timeout = 200 * time.Millisecond
	})
	raw := tg.dialRaw(t)
	raw.challenge()

	params := tokenParams(testToken)
	params.MinProtocol = protocol.MaxProtocolVersion + 1
	params.MaxProtocol = protocol.MaxProtocolVersion + 2
	resp := raw.call("c1", protocol.MethodConnect, params)
	require.False(t, resp.OK)

	assert.Equal(t, websocket.StatusPolicyViolation, raw.waitClosed())

	entries := waitAudit(t, tg, 2)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditProtocolMismatch, entries[0].Action)
	assert.Equal(t, store.AuditHandshakeTimeout, entries[1].Action)
}
