package domain

import "context"

// Store is the persistence boundary of the execution core. Sessions, trust
// configs, and audit entries survive restarts; session grants and in-flight
// confirmations deliberately do not.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSessionStatus moves the session to the given status and stamps
	// completed_at for terminal states.
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
	// ListSessions returns the most recently started sessions of a workspace.
	ListSessions(ctx context.Context, workspaceID string, limit int) ([]Session, error)

	// GetTrustConfig returns nil, nil when the workspace has no config yet.
	GetTrustConfig(ctx context.Context, workspaceID string) (*TrustConfig, error)
	// PutTrustConfig inserts or replaces the policy fields of the workspace
	// config. Counters are owned by RecordDecision and left untouched.
	PutTrustConfig(ctx context.Context, cfg TrustConfig) error
	// EnsureTrustConfig inserts the config only when the workspace has none
	// yet; an existing row is never touched. Used to materialize workspace
	// defaults on first contact so later decisions read a stable policy.
	EnsureTrustConfig(ctx context.Context, cfg TrustConfig) error

	// RecordDecision appends the audit entry and increments the matching
	// workspace counter in one transaction. Either both happen or neither;
	// a failure here must fail the decision itself. The workspace config row
	// must already exist: counters never fabricate policy.
	RecordDecision(ctx context.Context, entry AuditLogEntry) error
	// ListAudit returns audit entries for a workspace, newest first.
	ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]AuditLogEntry, error)

	Close() error
}
