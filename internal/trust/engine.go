package trust

import (
	"context"
	"fmt"
	"log/slog"

	"agentgate/internal/domain"
)

// Engine is the trust and policy gate. For every prospective tool call it
// derives a risk classification and returns auto-approve, require-confirmation
// or deny. Auto and deny branches write their audit entry (and counter bump)
// before returning; the confirmation branch is audited by the broker once the
// ultimate disposition is known.
type Engine struct {
	table    *Table
	store    domain.Store
	grants   *Grants
	defaults domain.TrustConfig
	logger   *slog.Logger
}

func NewEngine(table *Table, store domain.Store, grants *Grants, defaults domain.TrustConfig, logger *slog.Logger) *Engine {
	return &Engine{
		table:    table,
		store:    store,
		grants:   grants,
		defaults: defaults,
		logger:   logger,
	}
}

// WorkspaceConfig returns the workspace trust config. A workspace that was
// never customized gets the configured defaults persisted on first contact,
// so every later read — including the counter bump inside RecordDecision —
// sees the same policy, not a fabricated one. A failure to persist fails the
// lookup (and with it the decision): policy must be durable before use.
func (e *Engine) WorkspaceConfig(ctx context.Context, workspaceID string) (domain.TrustConfig, error) {
	cfg, err := e.store.GetTrustConfig(ctx, workspaceID)
	if err != nil {
		return domain.TrustConfig{}, fmt.Errorf("load trust config: %w", err)
	}
	if cfg == nil {
		d := e.defaults
		d.WorkspaceID = workspaceID
		// DO NOTHING on conflict: a concurrent admin update wins and takes
		// effect on the next classification.
		if err := e.store.EnsureTrustConfig(ctx, d); err != nil {
			return domain.TrustConfig{}, fmt.Errorf("persist default trust config: %w", err)
		}
		return d, nil
	}
	return *cfg, nil
}

// Classify exposes the table lookup for callers that only need the
// classification (confirmation descriptions, the admin surface).
func (e *Engine) Classify(toolName string) domain.RiskClassification {
	return e.table.Classify(toolName)
}

// Decide classifies a prospective tool call and applies workspace policy:
//
//  1. blacklisted category        -> deny, regardless of anything else
//  2. session grant               -> auto-approve
//  3. pre-authorized category     -> auto-approve
//  4. risk <= auto-approve level  -> auto-approve
//  5. otherwise                   -> require-confirmation
//
// A store failure while recording the decision fails the decision itself:
// no action executes without a durable audit record.
func (e *Engine) Decide(ctx context.Context, workspaceID, sessionID, toolName string, args map[string]any) (domain.Decision, error) {
	cls := e.table.Classify(toolName)

	cfg, err := e.WorkspaceConfig(ctx, workspaceID)
	if err != nil {
		return domain.Decision{}, err
	}

	if cfg.IsBlacklisted(cls.Category) {
		decision := domain.Decision{
			Kind:           domain.DecideDeny,
			Classification: cls,
			Reason:         fmt.Sprintf("category %s is blacklisted", cls.Category),
		}
		if err := e.record(ctx, workspaceID, sessionID, toolName, cls, domain.AuditRejected, decision.Reason); err != nil {
			return domain.Decision{}, err
		}
		e.logger.Warn("tool call denied by blacklist",
			"workspace", workspaceID, "session", sessionID,
			"tool", toolName, "category", cls.Category)
		return decision, nil
	}

	if reason, ok := e.autoApproveReason(cfg, sessionID, cls); ok {
		if err := e.record(ctx, workspaceID, sessionID, toolName, cls, domain.AuditAutoApproved, reason); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{
			Kind:           domain.DecideAutoApprove,
			Classification: cls,
			Reason:         reason,
		}, nil
	}

	// Confirmation path: audited at resolution, not here.
	return domain.Decision{
		Kind:           domain.DecideRequireConfirmation,
		Classification: cls,
		Reason:         fmt.Sprintf("%s risk exceeds auto-approve level %s", cls.Level, cfg.AutoApproveLevel),
	}, nil
}

// autoApproveReason checks the relaxations in priority order. A disabled
// trust config suspends all relaxations: every non-blacklisted call then
// requires confirmation.
func (e *Engine) autoApproveReason(cfg domain.TrustConfig, sessionID string, cls domain.RiskClassification) (string, bool) {
	if !cfg.Enabled {
		return "", false
	}
	if e.grants.Has(sessionID, cls.Category) {
		return fmt.Sprintf("session grant for %s", cls.Category), true
	}
	if cfg.IsPreAuthorized(cls.Category) {
		return fmt.Sprintf("category %s is pre-authorized", cls.Category), true
	}
	if cls.Level.AtMost(cfg.AutoApproveLevel) {
		return fmt.Sprintf("%s risk within auto-approve level %s", cls.Level, cfg.AutoApproveLevel), true
	}
	return "", false
}

func (e *Engine) record(ctx context.Context, workspaceID, sessionID, toolName string, cls domain.RiskClassification, decision domain.AuditDecision, reason string) error {
	err := e.store.RecordDecision(ctx, domain.AuditLogEntry{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		ToolName:    toolName,
		Category:    cls.Category,
		RiskLevel:   cls.Level,
		Decision:    decision,
		Reason:      reason,
	})
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}
