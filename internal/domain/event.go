package domain

import "time"

// EventKind is the closed set of progress event types delivered on a
// session's stream. Consumers are expected to handle every kind.
type EventKind string

const (
	EventThinking        EventKind = "thinking"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventContent         EventKind = "content"
	EventConfirmRequired EventKind = "confirm_required"
	EventDone            EventKind = "done"
	EventError           EventKind = "error"
)

// ToolResultStatus reports how a tool invocation finished.
type ToolResultStatus string

const (
	ToolResultSuccess   ToolResultStatus = "success"
	ToolResultError     ToolResultStatus = "error"
	ToolResultCancelled ToolResultStatus = "cancelled"
)

// Event is a single progress event on a session stream. Kind determines
// which payload fields are set; every kind has a fixed shape.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// thinking / content / error
	Content string `json:"content,omitempty"`

	// tool_call / tool_result
	Tool   string           `json:"tool,omitempty"`
	Seq    uint64           `json:"seq,omitempty"`
	Args   map[string]any   `json:"args,omitempty"`
	Status ToolResultStatus `json:"status,omitempty"`
	Result string           `json:"result,omitempty"`

	// confirm_required
	ConfirmationID string              `json:"confirmation_id,omitempty"`
	Description    string              `json:"description,omitempty"`
	Classification *RiskClassification `json:"classification,omitempty"`
	Deadline       *time.Time          `json:"deadline,omitempty"`
}

// Terminal reports whether no further events may follow this one on the
// session's stream.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}
