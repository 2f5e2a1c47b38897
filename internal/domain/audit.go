package domain

import "time"

// AuditDecision records how a tool call was ultimately dispositioned.
type AuditDecision string

const (
	AuditAutoApproved   AuditDecision = "auto_approved"
	AuditManualApproved AuditDecision = "manual_approved"
	AuditRejected       AuditDecision = "rejected"
	AuditAutoTimeout    AuditDecision = "auto_timeout"
)

// AuditLogEntry is one immutable record per decision. Entries are append-only
// and are the sole reconstructable history of why an action happened.
type AuditLogEntry struct {
	ID             int64             `json:"id"`
	WorkspaceID    string            `json:"workspace_id"`
	SessionID      string            `json:"session_id,omitempty"`
	ToolName       string            `json:"tool_name"`
	Category       OperationCategory `json:"category"`
	RiskLevel      RiskLevel         `json:"risk_level"`
	Decision       AuditDecision     `json:"decision"`
	Reason         string            `json:"reason"`
	Feedback       string            `json:"feedback,omitempty"`
	RememberChoice bool              `json:"remember_choice,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
