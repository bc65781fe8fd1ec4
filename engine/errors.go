package engine

import (
	"errors"
	"fmt"
	"time"
)

// Engine errors.
var (
	// ErrAlreadyConnecting is returned by Connect when the engine is not
	// in a state that allows starting a new connection.
	ErrAlreadyConnecting = errors.New("connection already in progress")

	// ErrClosed is returned when an operation is attempted on an engine
	// that has been torn down.
	ErrClosed = errors.New("engine closed")

	// ErrConnectionReplaced is returned by Run when the server evicted
	// this connection in favour of another client. Reconnecting requires
	// an explicit user decision; the engine never retries this itself.
	ErrConnectionReplaced = errors.New("connection replaced by another client")

	// ErrSessionFatal wraps server errors that kill the session. The
	// queues are preserved for inspection but not replayed.
	ErrSessionFatal = errors.New("session is no longer usable")
)

// Server error codes. The server reports these on the error control
// message together with recoverable/retryable hints.
const (
	CodeNoActiveAgent      = "no_active_agent"
	CodeAgentNotFound      = "agent_not_found"
	CodeAgentCreateFailed  = "agent_create_failed"
	CodeInvalidRequestID   = "invalid_request_id"
	CodeRateLimited        = "rate_limited"
	CodeQueueFull          = "queue_full"
	CodeMaxAgents          = "max_concurrent_agents"
	CodeTimeout            = "timeout"
	CodeConnectionReplaced = "connection_replaced"
	CodeRetryExpired       = "retry_expired"
	CodeMessageIDMismatch  = "message_id_mismatch"
	CodeRetryFailed        = "retry_failed"
)

// ErrorClass partitions server errors by how the engine reacts to them.
type ErrorClass int

const (
	// ClassUnknown covers codes this client does not recognize. Treated
	// like a transient error unless the server marks it unrecoverable.
	ClassUnknown ErrorClass = iota

	// ClassSessionFatal errors require a new session. Queues are kept
	// for inspection but never auto-retried against the dead session.
	ClassSessionFatal

	// ClassBackpressure errors resolve on their own; honor RetryAfter
	// before the next send.
	ClassBackpressure

	// ClassRetry errors are transient, except connection_replaced which
	// requires an explicit reconnect.
	ClassRetry

	// ClassRejected errors permanently fail the specific pending entry.
	// The entry is dropped and reported exactly once.
	ClassRejected
)

// ServerError is the decoded error control message. It doubles as a Go
// error so it can flow through normal error paths.
type ServerError struct {
	Type         string `json:"type"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	Recoverable  bool   `json:"recoverable"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`

	// RefID names the pending entry this error refers to, when the
	// server is rejecting a specific submission.
	RefID string `json:"ref_id,omitempty"`
}

func (e ServerError) messageType() string { return TypeError }

func (e ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %s", e.Code)
	}

	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// RetryAfter returns the server-requested backpressure delay, or zero.
func (e ServerError) RetryAfter() time.Duration {
	if e.RetryAfterMS <= 0 {
		return 0
	}

	return time.Duration(e.RetryAfterMS) * time.Millisecond
}

// Class maps the error code to the engine's reaction. Unrecognized
// codes fall back to the server's recoverable hint.
func (e ServerError) Class() ErrorClass {
	switch e.Code {
	case CodeNoActiveAgent, CodeAgentNotFound, CodeAgentCreateFailed, CodeInvalidRequestID:
		return ClassSessionFatal
	case CodeRateLimited, CodeQueueFull, CodeMaxAgents:
		return ClassBackpressure
	case CodeTimeout, CodeConnectionReplaced:
		return ClassRetry
	case CodeRetryExpired, CodeMessageIDMismatch, CodeRetryFailed:
		return ClassRejected
	default:
		if !e.Recoverable {
			return ClassSessionFatal
		}

		return ClassUnknown
	}
}

// Terminal reports whether this error permanently resolves a pending
// entry (either the whole session died or the entry was rejected).
func (e ServerError) Terminal() bool {
	switch e.Class() {
	case ClassSessionFatal, ClassRejected:
		return true
	default:
		return false
	}
}
