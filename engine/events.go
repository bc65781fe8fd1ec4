package engine

// EventKind names a semantic event emitted to the consumer. An external
// notification layer maps these to user-visible alerts; the engine has
// no knowledge of how they are displayed.
type EventKind string

const (
	// EventStateChanged fires once per connection state transition, in
	// transition order.
	EventStateChanged EventKind = "state_changed"

	// EventMessage fires once per dispatched stream envelope.
	EventMessage EventKind = "message"

	// EventApprovalNeeded fires when the agent requests permission.
	EventApprovalNeeded EventKind = "approval_needed"

	// EventQuestionAsked fires when the agent asks the user a question.
	EventQuestionAsked EventKind = "question_asked"

	// EventTaskCompleted fires when the agent stops normally.
	EventTaskCompleted EventKind = "task_completed"

	// EventTaskFailed fires on a session-fatal server error.
	EventTaskFailed EventKind = "task_failed"

	// EventTaskPaused fires when the execution-time budget expires or an
	// in-flight reconnection is cancelled; durable state is flushed first.
	EventTaskPaused EventKind = "task_paused"

	// EventActionAcked fires when a submitted action or message reaches
	// the server. ActionID carries the id returned at submission.
	EventActionAcked EventKind = "action_acked"

	// EventActionFailed fires exactly once when a submitted action or
	// message terminally fails (rejected, stale, or session dead).
	EventActionFailed EventKind = "action_failed"

	// EventResyncStarted and EventResyncComplete bracket a gap replay,
	// REST catch-up, or full resync. EventResyncFailed closes the
	// interval instead when the history fetch fails; the connection is
	// torn down and the resync retried on the next reconnect.
	EventResyncStarted  EventKind = "resync_started"
	EventResyncComplete EventKind = "resync_complete"
	EventResyncFailed   EventKind = "resync_failed"

	// EventModelChanged and EventPermissionModeChanged mirror the
	// corresponding control messages.
	EventModelChanged          EventKind = "model_changed"
	EventPermissionModeChanged EventKind = "permission_mode_changed"

	// EventInterrupted fires when the current turn was interrupted.
	EventInterrupted EventKind = "interrupted"

	// EventEngineError reports degraded operation (persistence failure,
	// handler panic) that did not stop the engine.
	EventEngineError EventKind = "engine_error"
)

// Event is a single semantic event. Fields beyond Kind are populated
// per kind; unset fields are zero.
type Event struct {
	Kind EventKind

	// State transitions.
	From ConnState
	To   ConnState

	// Stream envelope, for EventMessage / EventApprovalNeeded /
	// EventQuestionAsked.
	Envelope *StreamEnvelope

	// ActionID identifies the submission for ack/failure events.
	ActionID string

	// Model / permission mode values for the corresponding events.
	Model          string
	PermissionMode string

	// Reason carries stop reasons and pause causes.
	Reason string

	// Err carries the failure for error-flavored events.
	Err error
}

// EventHandler consumes semantic events. Handlers run on the engine's
// event loop in emission order; a panicking handler is isolated and
// reported, it never blocks dispatch of subsequent events.
type EventHandler func(Event)
