package domain

import "time"

// SessionStatus is the lifecycle state of an agent run.
type SessionStatus string

const (
	SessionPending             SessionStatus = "pending"
	SessionRunning             SessionStatus = "running"
	SessionWaitingConfirmation SessionStatus = "waiting_confirmation"
	SessionPaused              SessionStatus = "paused"
	SessionCompleted           SessionStatus = "completed"
	SessionFailed              SessionStatus = "failed"
	SessionCancelled           SessionStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Session is one agent run. At most one tool call is in flight per session
// at any instant; the runtime enforces serial execution.
type Session struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// ToolCallRequest is a prospective action requested by the agent loop.
// Immutable once created. Seq is monotonic within the session.
type ToolCallRequest struct {
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
}
