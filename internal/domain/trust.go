package domain

import "time"

// DecisionKind is the outcome of classifying a prospective tool call.
type DecisionKind string

const (
	DecideAutoApprove         DecisionKind = "auto-approve"
	DecideRequireConfirmation DecisionKind = "require-confirmation"
	DecideDeny                DecisionKind = "deny"
)

// Decision is what the trust engine returns for a prospective tool call.
type Decision struct {
	Kind           DecisionKind       `json:"kind"`
	Classification RiskClassification `json:"classification"`
	Reason         string             `json:"reason"`
}

// TrustConfig is the per-workspace approval policy.
// Counters are bumped atomically with the matching audit write.
type TrustConfig struct {
	WorkspaceID      string              `json:"workspace_id"`
	Enabled          bool                `json:"enabled"`
	AutoApproveLevel RiskLevel           `json:"auto_approve_level"`
	PreAuthorized    []OperationCategory `json:"pre_authorized_operations,omitempty"`
	Blacklist        []OperationCategory `json:"blacklisted_operations,omitempty"`
	// ApproveOnTimeout lists the categories whose pending confirmations
	// resolve as approved when the ttl expires. Everything else is denied
	// on timeout; there is no silent default.
	ApproveOnTimeout []OperationCategory `json:"approve_on_timeout,omitempty"`

	TotalAutoApproved   int64 `json:"total_auto_approved"`
	TotalManualApproved int64 `json:"total_manual_approved"`
	TotalRejected       int64 `json:"total_rejected"`

	UpdatedAt time.Time `json:"updated_at"`
}

func containsCategory(set []OperationCategory, cat OperationCategory) bool {
	for _, c := range set {
		if c == cat {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether the category is always denied.
func (c *TrustConfig) IsBlacklisted(cat OperationCategory) bool {
	return containsCategory(c.Blacklist, cat)
}

// IsPreAuthorized reports whether the category is always allowed.
func (c *TrustConfig) IsPreAuthorized(cat OperationCategory) bool {
	return containsCategory(c.PreAuthorized, cat)
}

// TimeoutApproves reports whether an expired confirmation for the category
// counts as an approval.
func (c *TrustConfig) TimeoutApproves(cat OperationCategory) bool {
	return containsCategory(c.ApproveOnTimeout, cat)
}

// SessionGrant records that the user temporarily authorized an operation
// category for the remainder of one session. Never persisted and never
// shared across sessions.
type SessionGrant struct {
	SessionID string            `json:"session_id"`
	Category  OperationCategory `json:"category"`
	GrantedAt time.Time         `json:"granted_at"`
}
