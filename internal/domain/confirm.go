package domain

import "time"

// ConfirmationStatus is the state machine of a confirmation request:
// pending -> approved | rejected | expired. Terminal once resolved.
type ConfirmationStatus string

const (
	ConfirmPending  ConfirmationStatus = "pending"
	ConfirmApproved ConfirmationStatus = "approved"
	ConfirmRejected ConfirmationStatus = "rejected"
	ConfirmExpired  ConfirmationStatus = "expired"
)

// ConfirmationRequest is a human decision point created when policy requires
// confirmation for a tool call. A session has at most one pending request
// at a time (the loop is serial).
type ConfirmationRequest struct {
	ID             string             `json:"id"`
	SessionID      string             `json:"session_id"`
	Call           ToolCallRequest    `json:"call"`
	Description    string             `json:"description"`
	Classification RiskClassification `json:"classification"`
	Status         ConfirmationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	RespondedAt    *time.Time         `json:"responded_at,omitempty"`
	// Deadline is the auto-resolve instant when a ttl was given; nil means
	// the request waits indefinitely for a human.
	Deadline *time.Time `json:"deadline,omitempty"`
}

// ConfirmationResponse carries a human decision back to the broker.
type ConfirmationResponse struct {
	RequestID      string `json:"request_id"`
	Approved       bool   `json:"approved"`
	Feedback       string `json:"feedback,omitempty"`
	RememberChoice bool   `json:"remember_choice,omitempty"`
}
