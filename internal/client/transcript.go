// ABOUTME: Assembles streamed agent events into a transcript in arrival order
// ABOUTME: Renders concatenated text and markdown fragments to HTML with goldmark

package client

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"

	"github.com/2389/agent-gateway/internal/protocol"
)

// Transcript collects the events of one run. Safe for concurrent use.
type Transcript struct {
	mu       sync.Mutex
	body     strings.Builder
	statuses []string
	tools    []protocol.ToolUse
	lastSeq  int64
	done     bool
	doneErr  string
}

// Add records one event. Events at or below the last seen seq are ignored, so
// a replay overlapping live delivery does not duplicate text.
func (t *Transcript) Add(evt protocol.AgentEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if evt.Seq != 0 {
		if evt.Seq <= t.lastSeq {
			return
		}
		t.lastSeq = evt.Seq
	}

	switch evt.Kind {
	case protocol.KindText, protocol.KindMarkdown:
		t.body.WriteString(evt.Text)
	case protocol.KindStatus:
		t.statuses = append(t.statuses, evt.Status)
	case protocol.KindToolUse:
		if evt.Tool != nil {
			t.tools = append(t.tools, *evt.Tool)
		}
	case protocol.KindDone:
		t.done = true
		t.doneErr = evt.Error
	}
}

// Markdown returns every text and markdown fragment concatenated.
func (t *Transcript) Markdown() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.body.String()
}

// HTML renders Markdown to HTML.
func (t *Transcript) HTML() (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(t.Markdown()), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Statuses returns the status updates seen so far.
func (t *Transcript) Statuses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.statuses...)
}

// Tools returns the tool notices seen so far.
func (t *Transcript) Tools() []protocol.ToolUse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.ToolUse(nil), t.tools...)
}

// LastSeq returns the highest event seq recorded.
func (t *Transcript) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Done reports whether the done marker arrived, and its error text.
func (t *Transcript) Done() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.doneErr
}
