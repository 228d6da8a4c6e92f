// ABOUTME: Structured error shape carried in failed response frames
// ABOUTME: Defines the error code taxonomy shared by gateway and client

package protocol

import "fmt"

// ErrorCode is a stable machine-readable failure class.
type ErrorCode string

const (
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	CodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"
	CodeAlreadyConnected ErrorCode = "ALREADY_CONNECTED"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeMethodNotFound   ErrorCode = "METHOD_NOT_FOUND"
	CodeDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeRunFailed        ErrorCode = "RUN_FAILED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// AuthFailedMessage is the only text ever sent for an authentication failure.
const AuthFailedMessage = "authentication failed"

// Error is the error object inside a failed response frame.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrAuthFailed is the uniform authentication failure. Callers must not attach
// details that reveal which check failed.
func ErrAuthFailed() *Error {
	return &Error{Code: CodeAuthFailed, Message: AuthFailedMessage}
}

// ErrNotAuthenticated rejects traffic sent before the handshake completes.
func ErrNotAuthenticated() *Error {
	return &Error{Code: CodeNotAuthenticated, Message: "connect required before other requests"}
}

// ErrMethodNotFound rejects an unknown method name.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
}

// ErrInvalidParams rejects params that fail to decode or validate.
func ErrInvalidParams(reason string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "invalid params: " + reason}
}
