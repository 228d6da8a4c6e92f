// ABOUTME: Payload types for long-running calls and run-correlated events
// ABOUTME: Agent params, accepted/terminal run payloads, event payload variants

package protocol

import "encoding/json"

// Method and event names outside the handshake.
const (
	MethodHealth      = "health"
	MethodStatus      = "status"
	MethodAgent       = "agent"
	MethodAgentWait   = "agent.wait"
	MethodAgentAbort  = "agent.abort"
	MethodAgentEvents = "agent.events"
	MethodRunsList    = "runs.list"

	EventAgent = "agent"
	EventTick  = "tick"
)

// Run statuses as they appear on the wire.
const (
	StatusAccepted  = "accepted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// AgentParams is the params object of an agent request.
type AgentParams struct {
	Message        string          `json:"message"`
	AgentID        string          `json:"agentId,omitempty"`
	SessionKey     string          `json:"sessionKey,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// RunPayload is the response payload of both phases of a long-running call.
type RunPayload struct {
	RunID  string          `json:"runId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AgentWaitParams is the params object of agent.wait.
type AgentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// AgentAbortParams is the params object of agent.abort.
type AgentAbortParams struct {
	RunID string `json:"runId"`
}

// AgentEventsParams is the params object of agent.events.
type AgentEventsParams struct {
	RunID    string `json:"runId"`
	AfterSeq int64  `json:"afterSeq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	// Follow replays as agent events and then streams the run's live events
	// to this connection.
	Follow bool `json:"follow,omitempty"`
}

// AgentEventsPayload replays stored events of a run.
type AgentEventsPayload struct {
	RunID  string       `json:"runId"`
	Status string       `json:"status"`
	Events []AgentEvent `json:"events"`
	// Replayed and Following are set for follow requests, whose history goes
	// out as event frames instead of Events.
	Replayed  int  `json:"replayed,omitempty"`
	Following bool `json:"following,omitempty"`
}

// RunsListParams is the params object of runs.list.
type RunsListParams struct {
	Limit int `json:"limit,omitempty"`
}

// RunsListPayload is the response payload of runs.list.
type RunsListPayload struct {
	Runs []RunSummary `json:"runs"`
}

// RunSummary is one entry of a runs.list response.
type RunSummary struct {
	RunID          string `json:"runId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Method         string `json:"method"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// PayloadKind tags the variant carried by an AgentEvent.
type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindMarkdown PayloadKind = "markdown"
	KindStatus   PayloadKind = "status"
	KindToolUse  PayloadKind = "tool_use"
	KindDone     PayloadKind = "done"
)

// ToolUse describes a tool invocation notice.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AgentEvent is the payload of an "agent" event. Exactly one of the variant
// fields is meaningful for a given Kind. Seq is per run and starts at 1.
type AgentEvent struct {
	RunID  string      `json:"runId"`
	Seq    int64       `json:"seq"`
	Kind   PayloadKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	Status string      `json:"status,omitempty"`
	Tool   *ToolUse    `json:"tool,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Terminal reports whether the event closes its run's stream.
func (e *AgentEvent) Terminal() bool {
	if e.Kind == KindDone {
		return true
	}
	return e.Kind == KindStatus && (e.Status == StatusCompleted || e.Status == StatusErrored)
}

// TextFragment builds a text variant.
func TextFragment(text string) AgentEvent {
	return AgentEvent{Kind: KindText, Text: text}
}

// MarkdownFragment builds a markdown variant.
func MarkdownFragment(md string) AgentEvent {
	return AgentEvent{Kind: KindMarkdown, Text: md}
}

// StatusUpdate builds a status variant.
func StatusUpdate(status string) AgentEvent {
	return AgentEvent{Kind: KindStatus, Status: status}
}

// ToolNotice builds a tool_use variant.
func ToolNotice(tool ToolUse) AgentEvent {
	return AgentEvent{Kind: KindToolUse, Tool: &tool}
}

// DoneMarker builds the terminal done variant. errMsg is empty on success.
func DoneMarker(errMsg string) AgentEvent {
	return AgentEvent{Kind: KindDone, Error: errMsg}
}

// StatusPayload is the response payload of the status method.
type StatusPayload struct {
	Protocol    int            `json:"protocol"`
	Connections int            `json:"connections"`
	Runs        map[string]int `json:"runs"`
	UptimeMs    int64          `json:"uptimeMs"`
}

// HealthPayload is the response payload of the health method.
type HealthPayload struct {
	OK bool  `json:"ok"`
	TS int64 `json:"ts"`
}

// TickPayload is the body of a keepalive tick event.
type TickPayload struct {
	TS int64 `json:"ts"`
}
