// ABOUTME: Tests for the echo executor and executor registry
// ABOUTME: Verifies streamed fragments reassemble the reply and command handling

package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/protocol"
)

// captureEmitter records emitted events.
type captureEmitter struct {
	mu     sync.Mutex
	events []protocol.AgentEvent
}

func (c *captureEmitter) Emit(_ context.Context, evt protocol.AgentEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureEmitter) kinds() []protocol.PayloadKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.PayloadKind
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestEchoExecutor_StreamsReply(t *testing.T) {
	exec := NewEchoExecutor(0)
	emit := &captureEmitter{}

	raw, err := exec.Execute(t.Context(), Request{RunID: "run-1", Message: "hello there"}, emit)
	require.NoError(t, err)

	var result EchoResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Contains(t, result.Text, "Echo: **hello there**")

	kinds := emit.kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, protocol.KindStatus, kinds[0])
	assert.Equal(t, protocol.KindToolUse, kinds[1])

	var sb strings.Builder
	fragments := 0
	for _, e := range emit.events {
		if e.Kind == protocol.KindMarkdown {
			sb.WriteString(e.Text)
			fragments++
		}
	}
	assert.Equal(t, result.Text, sb.String())
	assert.Equal(t, result.Fragments, fragments)

	assert.Equal(t, "echo", emit.events[1].Tool.Name)
	assert.JSONEq(t, `{"message":"hello there"}`, string(emit.events[1].Tool.Input))
}

func TestEchoExecutor_MarkdownReply(t *testing.T) {
	raw, err := NewEchoExecutor(0).Execute(t.Context(), Request{Message: "give me a list"}, &captureEmitter{})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "First item")
}

func TestEchoExecutor_Fail(t *testing.T) {
	_, err := NewEchoExecutor(0).Execute(t.Context(), Request{Message: "/fail model overloaded"}, &captureEmitter{})
	require.Error(t, err)
	assert.Equal(t, "model overloaded", err.Error())
}

func TestEchoExecutor_WaitUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := NewEchoExecutor(0).Execute(ctx, Request{Message: "/wait"}, &captureEmitter{})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("did not return after cancellation")
	}
}

func TestEchoExecutor_DelayHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := NewEchoExecutor(time.Hour).Execute(ctx, Request{Message: "hi"}, &captureEmitter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitFragments(t *testing.T) {
	for _, s := range []string{"", "one", "one two", "a\nb c ", "  "} {
		assert.Equal(t, s, strings.Join(splitFragments(s), ""), "input %q", s)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	fallback := NewEchoExecutor(0)
	special := NewEchoExecutor(time.Millisecond)
	reg := NewRegistry(fallback)
	reg.Register("special", special)

	got, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Same(t, fallback, got)

	got, err = reg.Resolve("special")
	require.NoError(t, err)
	assert.Same(t, special, got)

	_, err = reg.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	assert.Equal(t, []string{"special"}, reg.IDs())
	reg.Unregister("special")
	assert.Empty(t, reg.IDs())

	_, err = NewRegistry(nil).Resolve("")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}
