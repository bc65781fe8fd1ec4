package engine

import "encoding/json"

// Control message types sent by the server. The envelope codec decodes
// exactly one of these per frame; anything else becomes an Unknown value.
const (
	TypeConnected             = "connected"
	TypeHistory               = "history"
	TypeSessionEvent          = "session_event"
	TypeQueued                = "queued"
	TypeQueueCleared          = "queue_cleared"
	TypeReconnectComplete     = "reconnect_complete"
	TypeCursorEvicted         = "cursor_evicted"
	TypeCursorInvalid         = "cursor_invalid"
	TypeError                 = "error"
	TypeModelChanged          = "model_changed"
	TypePermissionModeChanged = "permission_mode_changed"
	TypeStopped               = "stopped"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeInterrupted           = "interrupted"

	// TypeMessage is the stream envelope wrapper; the payload kind is
	// carried inside message.type.
	TypeMessage = "message"
)

// Stream message kinds carried inside a stream envelope's message.type.
const (
	KindAssistant        = "assistant"
	KindUser             = "user"
	KindSystem           = "system"
	KindThinking         = "thinking"
	KindToolUse          = "tool_use"
	KindToolResult       = "tool_result"
	KindProgress         = "progress"
	KindUsage            = "usage"
	KindState            = "state"
	KindPermission       = "permission"
	KindQuestion         = "question"
	KindSubagentStart    = "subagent_start"
	KindSubagentComplete = "subagent_complete"
)

// Message is implemented by every decoded wire value.
type Message interface {
	messageType() string
}

// StreamMessage is the inner payload of a stream envelope.
type StreamMessage struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	State     string          `json:"state,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StreamEnvelope wraps a single stream event from the server. Immutable
// once decoded; ID is the resume cursor position for this event.
type StreamEnvelope struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	Timestamp int64         `json:"timestamp"`
	Message   StreamMessage `json:"message"`
}

func (StreamEnvelope) messageType() string { return TypeMessage }

// Connected is the server reply to a resume handshake.
type Connected struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	AgentID         string `json:"agent_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Model           string `json:"model"`
	PermissionMode  string `json:"permission_mode"`
}

func (Connected) messageType() string { return TypeConnected }

// History carries a page of stream envelopes, used by the full-resync
// path and on initial connect of a session with prior activity.
type History struct {
	Type    string           `json:"type"`
	Events  []StreamEnvelope `json:"events"`
	HasMore bool             `json:"has_more"`
}

func (History) messageType() string { return TypeHistory }

// SessionEvent is an informational server notice about the session.
type SessionEvent struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (SessionEvent) messageType() string { return TypeSessionEvent }

// Queued acknowledges receipt of a client-submitted message or action,
// echoing the client-generated id.
type Queued struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (Queued) messageType() string { return TypeQueued }

// QueueCleared reports that the server dropped its queued inbound
// messages for this session (e.g. after an interrupt).
type QueueCleared struct {
	Type string `json:"type"`
}

func (QueueCleared) messageType() string { return TypeQueueCleared }

// ReconnectComplete is the gap-replay resume outcome: the server will
// push MissedCount buffered events starting after FromMessageID.
type ReconnectComplete struct {
	Type          string `json:"type"`
	MissedCount   int    `json:"missed_count"`
	FromMessageID string `json:"from_message_id"`
}

func (ReconnectComplete) messageType() string { return TypeReconnectComplete }

// CursorEvicted is the catch-up resume outcome: the server discarded its
// buffer and the client must bulk-fetch history after LastMessageID.
type CursorEvicted struct {
	Type           string `json:"type"`
	LastMessageID  string `json:"last_message_id"`
	Recommendation string `json:"recommendation"`
}

func (CursorEvicted) messageType() string { return TypeCursorEvicted }

// CursorInvalid is the full-resync resume outcome: the client's cursor
// is unrecoverable and session state must be rebuilt from scratch.
type CursorInvalid struct {
	Type           string `json:"type"`
	LastMessageID  string `json:"last_message_id"`
	Recommendation string `json:"recommendation"`
}

func (CursorInvalid) messageType() string { return TypeCursorInvalid }

// ModelChanged reports a server-side model switch.
type ModelChanged struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

func (ModelChanged) messageType() string { return TypeModelChanged }

// PermissionModeChanged reports a server-side permission mode switch.
type PermissionModeChanged struct {
	Type           string `json:"type"`
	PermissionMode string `json:"permission_mode"`
}

func (PermissionModeChanged) messageType() string { return TypePermissionModeChanged }

// Stopped reports that the agent finished or was stopped.
type Stopped struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (Stopped) messageType() string { return TypeStopped }

// Ping is a server liveness probe; the engine answers with a pong.
type Ping struct {
	Type string `json:"type"`
}

func (Ping) messageType() string { return TypePing }

// Pong is the server answer to a client ping.
type Pong struct {
	Type string `json:"type"`
}

func (Pong) messageType() string { return TypePong }

// Interrupted reports that the current turn was interrupted.
type Interrupted struct {
	Type string `json:"type"`
}

func (Interrupted) messageType() string { return TypeInterrupted }

// Unknown preserves a frame whose type tag is not recognized. Decoding
// never fails on unknown tags so newer servers remain compatible.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Unknown) messageType() string { return "unknown" }

// Client-to-server frames.

// ResumeRequest is the first frame sent after dialing. LastMessageID is
// the persisted cursor, or empty for a fresh session or full resync.
type ResumeRequest struct {
	Type            string `json:"type"`
	Token           string `json:"token"`
	SessionID       string `json:"session_id,omitempty"`
	LastMessageID   string `json:"last_message_id,omitempty"`
	Device          string `json:"device"`
	ProtocolVersion int    `json:"protocol_version"`
}

// UserMessage carries a user message to the agent. ID is the
// client-generated idempotency key echoed back in the queued ack.
type UserMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ActionResponse answers a permission or question request. ID is the
// client-generated idempotency key; RequestID names the prompt being
// answered.
type ActionResponse struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	Behavior  string          `json:"behavior,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Action kinds accepted by SubmitAction.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionAnswer  = "answer"
)
