// ABOUTME: Tests for routed methods: two-phase agent runs, wait, abort, events, list
// ABOUTME: Also covers router errors, duplicate ids, malformed frames and keepalive ticks

package gateway

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/agent"
	"github.com/2389/agent-gateway/internal/client"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/protocol"
)

// stepExecutor emits one text fragment per value sent on steps and completes
// when steps is closed.
type stepExecutor struct {
	steps chan string
}

func newStepExecutor() *stepExecutor {
	return &stepExecutor{steps: make(chan string)}
}

func (s *stepExecutor) Execute(ctx context.Context, _ agent.Request, emit agent.Emitter) (json.RawMessage, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case text, ok := <-s.steps:
			if !ok {
				return json.Marshal(map[string]int{"steps": n})
			}
			if err := emit.Emit(ctx, protocol.TextFragment(text)); err != nil {
				return nil, err
			}
			n++
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// nextEvent reads one event of a run or fails after a timeout.
func nextEvent(t *testing.T, r *client.Run) protocol.AgentEvent {
	t.Helper()
	select {
	case evt, ok := <-r.Events():
		require.True(t, ok, "run events closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run event")
		return protocol.AgentEvent{}
	}
}

func TestAgent_TwoPhaseResponse(t *testing.T) {
	tg := newTestGateway(t, nil)
	raw := tg.dialRaw(t)
	raw.tokenConnect()

	raw.send("a1", protocol.MethodAgent, protocol.AgentParams{Message: "hello", IdempotencyKey: "key-1"})

	first := raw.read()
	require.Equal(t, protocol.FrameResponse, first.Type)
	require.Equal(t, "a1", first.ID)
	require.True(t, first.OK)
	accepted := decodePayload[protocol.RunPayload](t, first)
	assert.Equal(t, protocol.StatusAccepted, accepted.Status)
	require.NotEmpty(t, accepted.RunID)

	var (
		events   []protocol.AgentEvent
		frameSeq int64
		final    *protocol.Frame
	)
	for final == nil {
		f := raw.read()
		switch f.Type {
		case protocol.FrameEvent:
			require.Equal(t, protocol.EventAgent, f.Event)
			assert.Greater(t, f.Seq, frameSeq)
			frameSeq = f.Seq
			events = append(events, decodePayload[protocol.AgentEvent](t, f))
		case protocol.FrameResponse:
			require.Equal(t, "a1", f.ID)
			final = f
		}
	}

	require.NotEmpty(t, events)
	for i, evt := range events {
		assert.Equal(t, accepted.RunID, evt.RunID)
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	assert.Equal(t, protocol.KindStatus, events[0].Kind)
	assert.Equal(t, protocol.KindDone, events[len(events)-1].Kind)

	require.True(t, final.OK)
	done := decodePayload[protocol.RunPayload](t, final)
	assert.Equal(t, accepted.RunID, done.RunID)
	assert.Equal(t, protocol.StatusCompleted, done.Status)

	var result agent.EchoResult
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Contains(t, result.Text, "Echo: **hello**")

	// Retrying a finished key answers once, straight from the record.
	resp := raw.call("a2", protocol.MethodAgent, protocol.AgentParams{Message: "hello", IdempotencyKey: "key-1"})
	require.True(t, resp.OK)
	again := decodePayload[protocol.RunPayload](t, resp)
	assert.Equal(t, accepted.RunID, again.RunID)
	assert.Equal(t, protocol.StatusCompleted, again.Status)
}

func TestAgent_ClientTranscript(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "give me a bullet list", IdempotencyKey: "list"})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	rp, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, rp.Status)

	tr := r.Transcript()
	assert.Contains(t, tr.Markdown(), "- First item")
	assert.Equal(t, []string{"thinking"}, tr.Statuses())
	require.Len(t, tr.Tools(), 1)
	assert.Equal(t, "echo", tr.Tools()[0].Name)
	done, doneErr := tr.Done()
	assert.True(t, done)
	assert.Empty(t, doneErr)

	html, err := tr.HTML()
	require.NoError(t, err)
	assert.Contains(t, html, "<li>First item</li>")
	assert.Contains(t, html, "<strong>markdown</strong>")
}

func TestAgent_IdempotentRetryJoinsRun(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	params := protocol.AgentParams{Message: "/wait", IdempotencyKey: "same"}
	first, err := c.StartAgent(ctx, params)
	require.NoError(t, err)
	second, err := c.StartAgent(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	aborted, err := c.Abort(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusErrored, aborted.Status)
	assert.Equal(t, "aborted", aborted.Error)

	for _, r := range []*client.Run{first, second} {
		rp, err := r.Wait(ctx)
		requireCode(t, err, protocol.CodeRunFailed)
		require.NotNil(t, rp)
		assert.Equal(t, first.ID, rp.RunID)
		assert.Equal(t, protocol.StatusErrored, rp.Status)
		assert.Equal(t, "aborted", rp.Error)
	}
}

func TestAgent_KeysScopedToConnection(t *testing.T) {
	tg := newTestGateway(t, nil)
	ctx := testContext(t)

	params := protocol.AgentParams{Message: "hi", IdempotencyKey: "shared-key"}
	a, err := tg.dial(t, nil).StartAgent(ctx, params)
	require.NoError(t, err)
	b, err := tg.dial(t, nil).StartAgent(ctx, params)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestAgent_InvalidParams(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	_, err := c.StartAgent(ctx, protocol.AgentParams{Message: "hi"})
	requireCode(t, err, protocol.CodeInvalidRequest)

	_, err = c.StartAgent(ctx, protocol.AgentParams{IdempotencyKey: "k"})
	requireCode(t, err, protocol.CodeInvalidRequest)

	_, err = c.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "k", AgentID: "ghost"})
	requireCode(t, err, protocol.CodeNotFound)

	err = c.Call(ctx, protocol.MethodAgent, json.RawMessage(`"not an object"`), nil)
	requireCode(t, err, protocol.CodeInvalidRequest)
}

func TestAgent_FailedRun(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "/fail disk on fire", IdempotencyKey: "fail"})
	require.NoError(t, err)

	rp, err := r.Wait(ctx)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeRunFailed, perr.Code)
	assert.Equal(t, "disk on fire", perr.Message)
	require.NotNil(t, rp)
	assert.Equal(t, protocol.StatusErrored, rp.Status)

	done, doneErr := r.Transcript().Done()
	assert.True(t, done)
	assert.Equal(t, "disk on fire", doneErr)
}

func TestAgent_NamedAgent(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Agents.Echo = []string{"parrot"}
	})
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "p", AgentID: "parrot"})
	require.NoError(t, err)
	rp, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, rp.Status)
}

func TestAgentWait_TimeoutReturnsSnapshot(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "/wait", IdempotencyKey: "slow"})
	require.NoError(t, err)

	start := time.Now()
	rp, err := c.WaitRun(ctx, r.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, []string{protocol.StatusAccepted, protocol.StatusRunning}, rp.Status)
	assert.Less(t, time.Since(start), 3*time.Second)

	_, err = c.Abort(ctx, r.ID)
	require.NoError(t, err)

	rp, err = c.WaitRun(ctx, r.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusErrored, rp.Status)
}

func TestAgentWait_HugeTimeoutIsCapped(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "/wait", IdempotencyKey: "slow"})
	require.NoError(t, err)

	type waited struct {
		rp  protocol.RunPayload
		err error
	}
	done := make(chan waited, 1)
	go func() {
		var rp protocol.RunPayload
		err := c.Call(ctx, protocol.MethodAgentWait, protocol.AgentWaitParams{RunID: r.ID, TimeoutMs: math.MaxInt64}, &rp)
		done <- waited{rp, err}
	}()

	select {
	case w := <-done:
		t.Fatalf("wait returned early: %+v %v", w.rp, w.err)
	case <-time.After(300 * time.Millisecond):
	}

	_, err = c.Abort(ctx, r.ID)
	require.NoError(t, err)

	select {
	case w := <-done:
		require.NoError(t, w.err)
		assert.Equal(t, protocol.StatusErrored, w.rp.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after abort")
	}
}

func TestWaitTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, waitTimeout(0, 30*time.Second))
	assert.Equal(t, 30*time.Second, waitTimeout(-1, 30*time.Second))
	assert.Equal(t, maxWait, waitTimeout(0, time.Hour))
	assert.Equal(t, 250*time.Millisecond, waitTimeout(250, 30*time.Second))
	assert.Equal(t, maxWait, waitTimeout(maxWait.Milliseconds(), 0))
	assert.Equal(t, maxWait, waitTimeout(math.MaxInt64, 0))
	assert.Equal(t, maxWait, waitTimeout(math.MaxInt64/1000, 0))
}

func TestAgentWait_UnknownRun(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	_, err := c.WaitRun(ctx, "no-such-run", 0)
	requireCode(t, err, protocol.CodeNotFound)

	_, err = c.WaitRun(ctx, "", 0)
	requireCode(t, err, protocol.CodeInvalidRequest)
}

func TestAgentAbort_FinishedRunUnchanged(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "done"})
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	require.NoError(t, err)

	rp, err := c.Abort(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, rp.Status)
	assert.Empty(t, rp.Error)
}

func TestRuns_HiddenFromOtherIdentities(t *testing.T) {
	dev := newTestDevice(t)
	tg := newTestGateway(t, approveDevice(dev))
	ctx := testContext(t)

	device := tg.dial(t, func(o *client.Options) {
		o.Token = ""
		o.Device = dev
		o.Scopes = []string{protocol.ScopeRead, protocol.ScopeWrite}
	})
	admin := tg.dial(t, nil)

	r, err := admin.StartAgent(ctx, protocol.AgentParams{Message: "/wait", IdempotencyKey: "mine"})
	require.NoError(t, err)

	_, err = device.WaitRun(ctx, r.ID, 10*time.Millisecond)
	requireCode(t, err, protocol.CodeNotFound)
	_, err = device.Abort(ctx, r.ID)
	requireCode(t, err, protocol.CodeNotFound)
	_, err = device.History(ctx, r.ID, 0, 0)
	requireCode(t, err, protocol.CodeNotFound)

	runs, err := device.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// Admin scope sees runs of every identity.
	own, err := device.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "theirs"})
	require.NoError(t, err)
	_, err = own.Wait(ctx)
	require.NoError(t, err)
	rp, err := admin.WaitRun(ctx, own.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, rp.Status)

	_, err = admin.Abort(ctx, r.ID)
	require.NoError(t, err)
}

func TestAgentEvents_History(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "one two three", IdempotencyKey: "hist"})
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	require.NoError(t, err)

	all, err := c.History(ctx, r.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, all.Status)
	require.Greater(t, len(all.Events), 3)
	for i, evt := range all.Events {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	assert.Equal(t, protocol.KindDone, all.Events[len(all.Events)-1].Kind)
	assert.Equal(t, r.Transcript().LastSeq(), all.Events[len(all.Events)-1].Seq)

	tail, err := c.History(ctx, r.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, tail.Events, len(all.Events)-2)
	assert.Equal(t, int64(3), tail.Events[0].Seq)

	page, err := c.History(ctx, r.ID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)

	err = c.Call(ctx, protocol.MethodAgentEvents, protocol.AgentEventsParams{RunID: r.ID, AfterSeq: -1}, nil)
	requireCode(t, err, protocol.CodeInvalidRequest)
}

func TestAgentEvents_FollowAfterReconnect(t *testing.T) {
	tg := newTestGateway(t, nil)
	steps := newStepExecutor()
	tg.gw.Agents().Register("stepper", steps)
	ctx := testContext(t)

	first := tg.dial(t, nil)
	r, err := first.StartAgent(ctx, protocol.AgentParams{Message: "go", IdempotencyKey: "follow", AgentID: "stepper"})
	require.NoError(t, err)

	steps.steps <- "one "
	evt := nextEvent(t, r)
	assert.Equal(t, "one ", evt.Text)
	require.NoError(t, first.Close())

	second := tg.dial(t, nil)

	// The run outlives the connection that started it.
	rp, err := second.WaitRun(ctx, r.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRunning, rp.Status)

	followed, info, err := second.Follow(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Replayed)
	assert.True(t, info.Following)
	assert.Empty(t, info.Events)

	replayed := nextEvent(t, followed)
	assert.Equal(t, int64(1), replayed.Seq)
	assert.Equal(t, "one ", replayed.Text)

	steps.steps <- "two"
	live := nextEvent(t, followed)
	assert.Equal(t, int64(2), live.Seq)
	assert.Equal(t, "two", live.Text)

	close(steps.steps)
	marker := nextEvent(t, followed)
	assert.Equal(t, protocol.KindDone, marker.Kind)

	_, open := <-followed.Events()
	assert.False(t, open, "followed run events should close after the done marker")
	assert.Equal(t, "one two", followed.Transcript().Markdown())

	rp, err = followed.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, rp.Status)
	assert.JSONEq(t, `{"steps":2}`, string(rp.Result))
}

func TestAgentEvents_FollowFinishedRunOnlyReplays(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "fin"})
	require.NoError(t, err)
	_, err = r.Wait(ctx)
	require.NoError(t, err)

	other := tg.dial(t, nil)
	followed, info, err := other.Follow(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.False(t, info.Following)
	assert.Equal(t, int(r.Transcript().LastSeq()), info.Replayed)
	assert.Equal(t, protocol.StatusCompleted, info.Status)

	// Replayed frames were written before the response.
	assert.Equal(t, r.Transcript().Markdown(), followed.Transcript().Markdown())
}

func TestAgent_CancelOnDisconnect(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Runs.CancelOnDisconnect = true
	})
	ctx := testContext(t)

	first := tg.dial(t, nil)
	r, err := first.StartAgent(ctx, protocol.AgentParams{Message: "/wait", IdempotencyKey: "doomed"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := tg.dial(t, nil)
	rp, err := second.WaitRun(ctx, r.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusErrored, rp.Status)
	assert.Equal(t, "connection closed", rp.Error)
}

func TestRunsList(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	for _, key := range []string{"k1", "k2", "k3"} {
		r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: key})
		require.NoError(t, err)
		_, err = r.Wait(ctx)
		require.NoError(t, err)
	}

	runs, err := c.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	keys := make([]string, 0, len(runs))
	for _, r := range runs {
		keys = append(keys, r.IdempotencyKey)
		assert.Equal(t, protocol.MethodAgent, r.Method)
		assert.Equal(t, protocol.StatusCompleted, r.Status)
	}
	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, keys)

	limited, err := c.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestHealthAndStatusMethods(t *testing.T) {
	tg := newTestGateway(t, nil)
	c := tg.dial(t, nil)
	ctx := testContext(t)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.NotZero(t, health.TS)

	r, err := c.StartAgent(ctx, protocol.AgentParams{Message: "/wait", IdempotencyKey: "busy"})
	require.NoError(t, err)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MaxProtocolVersion, status.Protocol)
	assert.Equal(t, 1, status.Connections)
	assert.GreaterOrEqual(t, status.UptimeMs, int64(0))
	assert.Equal(t, 1, status.Runs[protocol.StatusAccepted]+status.Runs[protocol.StatusRunning])

	_, err = r.Abort(ctx)
	require.NoError(t, err)
}

func TestRouter_ForbiddenAndUnknown(t *testing.T) {
	tg := newTestGateway(t, nil)
	node := tg.dial(t, func(o *client.Options) { o.Role = protocol.RoleNode })
	ctx := testContext(t)

	_, err := node.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "k"})
	requireCode(t, err, protocol.CodeForbidden)
	_, err = node.Abort(ctx, "any")
	requireCode(t, err, protocol.CodeForbidden)

	_, err = node.Health(ctx)
	require.NoError(t, err)

	err = node.Call(ctx, "does.not.exist", nil, nil)
	requireCode(t, err, protocol.CodeMethodNotFound)
}

func TestConn_DuplicateRequestID(t *testing.T) {
	tg := newTestGateway(t, nil)
	raw := tg.dialRaw(t)
	raw.tokenConnect()

	resp := raw.call("a1", protocol.MethodAgent, protocol.AgentParams{Message: "/wait", IdempotencyKey: "dup"})
	require.True(t, resp.OK)
	runID := decodePayload[protocol.RunPayload](t, resp).RunID

	// a1 is still owed its final response.
	resp = raw.call("a1", protocol.MethodHealth, nil)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeDuplicateRequest, resp.Error.Code)

	raw.send("x1", protocol.MethodAgentAbort, protocol.AgentAbortParams{RunID: runID})
	got := map[string]*protocol.Frame{}
	for len(got) < 2 {
		f := raw.read()
		if f.Type == protocol.FrameResponse {
			got[f.ID] = f
		}
	}
	assert.True(t, got["x1"].OK)
	assert.False(t, got["a1"].OK)
	assert.Equal(t, protocol.CodeRunFailed, got["a1"].Error.Code)

	// Settled ids may be reused.
	resp = raw.call("a1", protocol.MethodHealth, nil)
	assert.True(t, resp.OK)
}

func TestConn_MalformedFramesIgnored(t *testing.T) {
	tg := newTestGateway(t, nil)
	raw := tg.dialRaw(t)
	raw.tokenConnect()

	raw.sendText("not json at all")
	raw.sendText(`{"type":"req","method":"health"}`)
	raw.sendText(`{"type":"req","id":"x"}`)
	raw.sendText(`{"type":"mystery","id":"y"}`)

	resp := raw.call("h1", protocol.MethodHealth, nil)
	assert.True(t, resp.OK)
}

func TestConn_TickEvents(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Runs.TickInterval = 50 * time.Millisecond
	})
	raw := tg.dialRaw(t)

	challenge := raw.read()
	require.Equal(t, protocol.EventConnectChallenge, challenge.Event)
	resp := raw.call("c1", protocol.MethodConnect, tokenParams(testToken))
	require.True(t, resp.OK)

	first := raw.readEvent(protocol.EventTick)
	second := raw.readEvent(protocol.EventTick)
	assert.Greater(t, first.Seq, challenge.Seq)
	assert.Greater(t, second.Seq, first.Seq)
	assert.NotZero(t, decodePayload[protocol.TickPayload](t, first).TS)
}
