package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentgate/internal/domain"

	"github.com/google/uuid"
)

// Policy looks up the workspace trust config; the broker needs it at expiry
// time to decide whether a timed-out request counts as approved.
type Policy interface {
	WorkspaceConfig(ctx context.Context, workspaceID string) (domain.TrustConfig, error)
}

// Granter installs session-scoped category authorizations.
type Granter interface {
	Grant(sessionID string, cat domain.OperationCategory)
}

// Notifier is told about new pending requests so an operator can be reached
// out of band. Notification is best effort and never blocks resolution.
type Notifier interface {
	NotifyPending(ctx context.Context, req domain.ConfirmationRequest)
}

// Outcome is what a waiting session loop receives once its confirmation
// request is resolved.
type Outcome struct {
	Status         domain.ConfirmationStatus
	Feedback       string
	RememberChoice bool
	// TimedOut marks resolutions produced by the ttl rather than a human.
	TimedOut bool
}

// Approved reports whether the resolved request permits execution.
func (o Outcome) Approved() bool { return o.Status == domain.ConfirmApproved }

type pendingRequest struct {
	req         domain.ConfirmationRequest
	workspaceID string
	outcome     Outcome
	done        chan struct{}
	timer       *time.Timer
}

// Broker owns the lifecycle of confirmation requests: creation, the blocking
// wait, human resolution, ttl auto-resolution and cancellation. Every
// resolution writes its audit entry before the request leaves the pending
// state, so a storage failure keeps the request pending and retryable.
type Broker struct {
	store     domain.Store
	policy    Policy
	grants    Granter
	notifiers []Notifier
	logger    *slog.Logger

	mu        sync.Mutex
	byID      map[string]*pendingRequest
	bySession map[string]string
}

func NewBroker(store domain.Store, policy Policy, grants Granter, logger *slog.Logger, notifiers ...Notifier) *Broker {
	return &Broker{
		store:     store,
		policy:    policy,
		grants:    grants,
		notifiers: notifiers,
		logger:    logger,
		byID:      make(map[string]*pendingRequest),
		bySession: make(map[string]string),
	}
}

// Create registers a pending confirmation for the tool call. A session can
// hold at most one pending request; a second Create returns
// domain.ErrAlreadyPending. A positive ttl arms the auto-resolve timer.
func (b *Broker) Create(ctx context.Context, workspaceID string, call domain.ToolCallRequest, cls domain.RiskClassification, description string, ttl time.Duration) (domain.ConfirmationRequest, error) {
	b.mu.Lock()
	if id, ok := b.bySession[call.SessionID]; ok {
		b.mu.Unlock()
		return domain.ConfirmationRequest{}, fmt.Errorf("session %s already waiting on %s: %w", call.SessionID, id, domain.ErrAlreadyPending)
	}

	now := time.Now()
	req := domain.ConfirmationRequest{
		ID:             uuid.NewString(),
		SessionID:      call.SessionID,
		Call:           call,
		Description:    description,
		Classification: cls,
		Status:         domain.ConfirmPending,
		CreatedAt:      now,
	}
	p := &pendingRequest{
		req:         req,
		workspaceID: workspaceID,
		done:        make(chan struct{}),
	}
	if ttl > 0 {
		deadline := now.Add(ttl)
		p.req.Deadline = &deadline
		id := req.ID
		p.timer = time.AfterFunc(ttl, func() { b.expire(id) })
	}
	b.byID[req.ID] = p
	b.bySession[call.SessionID] = req.ID
	snapshot := p.req
	b.mu.Unlock()

	b.logger.Info("confirmation requested",
		"request", snapshot.ID, "session", call.SessionID,
		"tool", call.Tool, "risk", cls.Level, "category", cls.Category)

	for _, n := range b.notifiers {
		go n.NotifyPending(ctx, snapshot)
	}
	return snapshot, nil
}

// AddNotifier registers an out-of-band notifier. Wiring-time only: must be
// called before the first Create.
func (b *Broker) AddNotifier(n Notifier) {
	b.notifiers = append(b.notifiers, n)
}

// Wait blocks until the request is resolved or the context is cancelled.
// Context cancellation expires the request (the session is stopping) and
// returns domain.ErrCancelled.
func (b *Broker) Wait(ctx context.Context, requestID string) (Outcome, error) {
	b.mu.Lock()
	p, ok := b.byID[requestID]
	b.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("confirmation %s: %w", requestID, domain.ErrNotFound)
	}

	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		if err := b.cancel(requestID); err != nil {
			b.logger.Error("cancel pending confirmation", "request", requestID, "error", err)
		}
		select {
		case <-p.done:
			// Resolved concurrently with the cancellation; honor that outcome.
			return p.outcome, nil
		default:
		}
		return Outcome{}, fmt.Errorf("waiting for confirmation %s: %w", requestID, domain.ErrCancelled)
	}
}

// Respond applies a human decision. The first resolution wins: a request that
// is no longer pending returns domain.ErrInvalidState and nothing changes.
// An approval with remember-choice installs a session grant for the category.
func (b *Broker) Respond(ctx context.Context, resp domain.ConfirmationResponse) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byID[resp.RequestID]
	if !ok {
		return fmt.Errorf("confirmation %s: %w", resp.RequestID, domain.ErrNotFound)
	}
	if p.req.Status != domain.ConfirmPending {
		return fmt.Errorf("confirmation %s is %s: %w", resp.RequestID, p.req.Status, domain.ErrInvalidState)
	}

	status := domain.ConfirmRejected
	decision := domain.AuditRejected
	reason := "rejected by user"
	if resp.Approved {
		status = domain.ConfirmApproved
		decision = domain.AuditManualApproved
		reason = "approved by user"
	}

	entry := domain.AuditLogEntry{
		WorkspaceID:    p.workspaceID,
		SessionID:      p.req.SessionID,
		ToolName:       p.req.Call.Tool,
		Category:       p.req.Classification.Category,
		RiskLevel:      p.req.Classification.Level,
		Decision:       decision,
		Reason:         reason,
		Feedback:       resp.Feedback,
		RememberChoice: resp.RememberChoice,
	}
	if err := b.store.RecordDecision(ctx, entry); err != nil {
		// Request stays pending; the caller can retry once storage recovers.
		return fmt.Errorf("record confirmation outcome: %w", err)
	}

	if resp.Approved && resp.RememberChoice {
		b.grants.Grant(p.req.SessionID, p.req.Classification.Category)
	}

	b.resolveLocked(p, status, Outcome{
		Status:         status,
		Feedback:       resp.Feedback,
		RememberChoice: resp.RememberChoice,
	})
	b.logger.Info("confirmation resolved",
		"request", p.req.ID, "session", p.req.SessionID, "status", status)
	return nil
}

// expire auto-resolves a request whose ttl elapsed. Categories listed in the
// workspace's approve-on-timeout set resolve approved and are audited as
// auto_timeout; everything else resolves expired and is audited rejected.
func (b *Broker) expire(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byID[requestID]
	if !ok || p.req.Status != domain.ConfirmPending {
		return
	}

	ctx := context.Background()
	approve := false
	if cfg, err := b.policy.WorkspaceConfig(ctx, p.workspaceID); err != nil {
		b.logger.Error("load trust config at expiry, denying", "request", requestID, "error", err)
	} else {
		approve = cfg.TimeoutApproves(p.req.Classification.Category)
	}

	status := domain.ConfirmExpired
	decision := domain.AuditRejected
	reason := "timeout"
	if approve {
		status = domain.ConfirmApproved
		decision = domain.AuditAutoTimeout
		reason = "approved on timeout by workspace policy"
	}

	entry := domain.AuditLogEntry{
		WorkspaceID: p.workspaceID,
		SessionID:   p.req.SessionID,
		ToolName:    p.req.Call.Tool,
		Category:    p.req.Classification.Category,
		RiskLevel:   p.req.Classification.Level,
		Decision:    decision,
		Reason:      reason,
	}
	if err := b.store.RecordDecision(ctx, entry); err != nil {
		b.logger.Error("record timeout outcome, downgrading to expiry", "request", requestID, "error", err)
		// No durable audit record, so no approval either.
		status = domain.ConfirmExpired
	}

	b.resolveLocked(p, status, Outcome{Status: status, TimedOut: true})
	b.logger.Warn("confirmation timed out",
		"request", requestID, "session", p.req.SessionID, "status", status)
}

// cancel resolves a still-pending request as expired because its session is
// stopping. Already-resolved requests are left alone.
func (b *Broker) cancel(requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byID[requestID]
	if !ok || p.req.Status != domain.ConfirmPending {
		return nil
	}

	entry := domain.AuditLogEntry{
		WorkspaceID: p.workspaceID,
		SessionID:   p.req.SessionID,
		ToolName:    p.req.Call.Tool,
		Category:    p.req.Classification.Category,
		RiskLevel:   p.req.Classification.Level,
		Decision:    domain.AuditRejected,
		Reason:      "session cancelled",
	}
	if err := b.store.RecordDecision(context.Background(), entry); err != nil {
		// Cancellation proceeds regardless; the session is going away.
		b.logger.Error("record cancellation", "request", requestID, "error", err)
	}
	b.resolveLocked(p, domain.ConfirmExpired, Outcome{Status: domain.ConfirmExpired})
	return nil
}

// resolveLocked flips the request out of pending. Caller holds b.mu.
func (b *Broker) resolveLocked(p *pendingRequest, status domain.ConfirmationStatus, out Outcome) {
	now := time.Now()
	p.req.Status = status
	p.req.RespondedAt = &now
	p.outcome = out
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(b.bySession, p.req.SessionID)
	close(p.done)
}

// Get returns a snapshot of a request, resolved or pending.
func (b *Broker) Get(requestID string) (domain.ConfirmationRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byID[requestID]
	if !ok {
		return domain.ConfirmationRequest{}, fmt.Errorf("confirmation %s: %w", requestID, domain.ErrNotFound)
	}
	return p.req, nil
}

// Pending returns the session's pending request, if any.
func (b *Broker) Pending(sessionID string) (domain.ConfirmationRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.bySession[sessionID]
	if !ok {
		return domain.ConfirmationRequest{}, false
	}
	return b.byID[id].req, true
}

// ForgetSession drops resolved request records of a finished session. Pending
// requests are never dropped here; stop cancels them through Wait first.
func (b *Broker) ForgetSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.byID {
		if p.req.SessionID == sessionID && p.req.Status != domain.ConfirmPending {
			delete(b.byID, id)
		}
	}
}
