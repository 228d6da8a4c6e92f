// ABOUTME: Wire frame types for the gateway WebSocket protocol
// ABOUTME: Request, response and event envelopes plus frame type detection

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates the three envelope kinds.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// ErrMalformedFrame is returned when an inbound frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// RequestFrame is a client-initiated call.
type RequestFrame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    FrameType `json:"type"`
	ID      string    `json:"id"`
	OK      bool      `json:"ok"`
	Payload any       `json:"payload,omitempty"`
	Error   *Error    `json:"error,omitempty"`
}

// EventFrame is an out-of-band push, not correlated to a request id.
type EventFrame struct {
	Type    FrameType `json:"type"`
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Seq     int64     `json:"seq,omitempty"`
}

// Frame is the decoded union used by readers that must handle any kind.
// Payload and Params are left raw so callers decode into their own types.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// NewResult builds a successful response frame.
func NewResult(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id string, err *Error) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: err}
}

// NewEvent builds an event frame. Seq is assigned by the connection writer.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload}
}

// DecodeFrame parses raw bytes into a Frame and checks the fields required for
// its type. Anything that does not parse is ErrMalformedFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case FrameRequest:
		if f.ID == "" {
			return nil, fmt.Errorf("%w: request without id", ErrMalformedFrame)
		}
		if f.Method == "" {
			return nil, fmt.Errorf("%w: request without method", ErrMalformedFrame)
		}
	case FrameResponse:
		if f.ID == "" {
			return nil, fmt.Errorf("%w: response without id", ErrMalformedFrame)
		}
	case FrameEvent:
		if f.Event == "" {
			return nil, fmt.Errorf("%w: event without name", ErrMalformedFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}

	return &f, nil
}

// Request returns the frame as a RequestFrame. Only meaningful for FrameRequest.
func (f *Frame) Request() *RequestFrame {
	return &RequestFrame{Type: f.Type, ID: f.ID, Method: f.Method, Params: f.Params}
}
