// Package run tracks long-running requests from acceptance to a final status.
//
// A run is created in "accepted", moves to "running" when its work starts, and
// ends in "completed" or "errored". Transitions only move forward and a final
// status never changes.
//
// # Two-phase responses
//
// The request that started a run is answered twice: once with the accepted
// snapshot and once more, with the same request id, when the run ends. The
// manager keeps a continuation table mapping each run to the (connection,
// request id) pairs still owed a final response. The caller must send the
// accepted response before calling Attach; a continuation attached to a run
// that already ended is delivered immediately, so the final response can
// never overtake the accepted one.
//
// # Idempotency
//
// Start is idempotent per (connection, idempotency key). A retry returns the
// existing run and does not launch new work.
//
// # Disconnects
//
// When a connection closes its continuations are dropped. Runs keep going
// headless and stay reachable through Get and Wait, unless the manager was
// built with CancelOnDisconnect, in which case they end as errored.
package run
