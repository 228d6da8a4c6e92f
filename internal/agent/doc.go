// Package agent is the boundary between the gateway and whatever executes an
// agent turn.
//
// # Executor
//
// An Executor runs one message for one run and reports progress through an
// Emitter:
//
//	type Executor interface {
//	    Execute(ctx context.Context, req Request, emit Emitter) (json.RawMessage, error)
//	}
//
// Fragments, status updates and tool notices go through the Emitter as they
// happen. The returned JSON becomes the run's result. The gateway emits the
// final done marker itself once Execute returns.
//
// # Registry
//
// The Registry maps agent ids to executors, with a fallback for requests that
// do not name one:
//
//	reg := agent.NewRegistry(agent.NewEchoExecutor(0))
//	reg.Register("support", supportExec)
//
// # Echo executor
//
// EchoExecutor streams a markdown echo of the message. It understands two
// commands used by tests and smoke checks: "/fail <reason>" ends the run with
// an error, and "/wait" blocks until the run is cancelled.
package agent
