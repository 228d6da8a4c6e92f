// Package gateway serves the agent gateway protocol over WebSocket.
//
// # Overview
//
// Each accepted WebSocket becomes a Conn with its own read loop and a single
// writer goroutine draining a bounded outbound queue. Frames leave in the
// order they were queued, which is what orders an accepted response before
// the final response of the same request, and a run's events in emission
// order.
//
// # Handshake
//
// A new connection is sent a connect.challenge event. The only request it may
// make is connect, which negotiates a protocol version and runs the ordered
// credential checks in internal/auth. Failures answer AUTH_FAILED without
// detail; a burned challenge is replaced, and after handshake.max_attempts
// failures the connection is closed with a policy violation.
//
// Handshake outcomes and disconnects of authenticated connections are written
// to the store's audit log with the internal failure reason.
//
// # Methods
//
//   - health, status: liveness and counters
//   - agent: long-running; answers {runId, status: accepted} and later a
//     final response on the same request id
//   - agent.wait, agent.abort, agent.events: operate on runs the caller owns
//   - runs.list: the caller's recent runs
//
// # HTTP
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check with connection count
//   - GET /ws - WebSocket upgrade (path configurable)
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
package gateway
