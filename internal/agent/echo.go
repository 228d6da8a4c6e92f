// ABOUTME: Echo executor that streams a markdown reply to each message
// ABOUTME: Emits status, tool_use and markdown fragments; supports /fail and /wait

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/agent-gateway/internal/protocol"
)

// EchoResult is the run result produced by EchoExecutor.
type EchoResult struct {
	Text      string `json:"text"`
	Fragments int    `json:"fragments"`
}

// EchoExecutor replies with a markdown echo of the message, split into
// word-sized fragments.
type EchoExecutor struct {
	// Delay is slept between fragments to simulate streaming.
	Delay time.Duration
}

// NewEchoExecutor creates an EchoExecutor.
func NewEchoExecutor(delay time.Duration) *EchoExecutor {
	return &EchoExecutor{Delay: delay}
}

// Execute streams the echo reply.
func (e *EchoExecutor) Execute(ctx context.Context, req Request, emit Emitter) (json.RawMessage, error) {
	if err := emit.Emit(ctx, protocol.StatusUpdate("thinking")); err != nil {
		return nil, err
	}

	msg := strings.TrimSpace(req.Message)
	switch {
	case strings.HasPrefix(msg, "/fail"):
		reason := strings.TrimSpace(strings.TrimPrefix(msg, "/fail"))
		if reason == "" {
			reason = "asked to fail"
		}
		return nil, errors.New(reason)
	case msg == "/wait":
		<-ctx.Done()
		return nil, ctx.Err()
	}

	input, err := json.Marshal(map[string]string{"message": msg})
	if err != nil {
		return nil, err
	}
	tool := protocol.ToolUse{ID: req.RunID + "-echo", Name: "echo", Input: input}
	if err := emit.Emit(ctx, protocol.ToolNotice(tool)); err != nil {
		return nil, err
	}

	reply := echoReply(msg)
	fragments := splitFragments(reply)
	for _, frag := range fragments {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.Delay):
			}
		}
		if err := emit.Emit(ctx, protocol.MarkdownFragment(frag)); err != nil {
			return nil, err
		}
	}

	return json.Marshal(EchoResult{Text: reply, Fragments: len(fragments)})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// splitFragments cuts s after each space or newline, so concatenating the
// fragments gives s back.
func splitFragments(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' || r == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
