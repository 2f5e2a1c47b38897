package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentgate/internal/confirm"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
	"agentgate/internal/stream"
	"agentgate/internal/tool"
	"agentgate/internal/trust"

	"github.com/google/uuid"
)

// Config bounds per-session behavior.
type Config struct {
	// ConfirmTTL is how long a confirmation waits before auto-resolving.
	// Zero waits indefinitely.
	ConfirmTTL time.Duration
	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration
	// QueueSize caps the backlog of submitted calls per session.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	return c
}

// Deps are the shared collaborators every runner uses.
type Deps struct {
	Store    domain.Store
	Engine   *trust.Engine
	Confirms *confirm.Broker
	Registry *tool.Registry
	Events   *stream.Broker
	Grants   *trust.Grants
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// SessionState is the authoritative snapshot a reconnecting client reads,
// since event streams have no replay.
type SessionState struct {
	Session             domain.Session              `json:"session"`
	PendingConfirmation *domain.ConfirmationRequest `json:"pending_confirmation,omitempty"`
	Grants              []domain.SessionGrant       `json:"grants,omitempty"`
}

// Manager creates sessions and routes work to their runners.
type Manager struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	runners map[string]*Runner
}

func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		runners: make(map[string]*Runner),
	}
}

// Create starts a new session for the workspace and returns its record.
func (m *Manager) Create(ctx context.Context, workspaceID string) (domain.Session, error) {
	sess := domain.Session{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Status:      domain.SessionPending,
		StartedAt:   time.Now(),
	}
	if err := m.deps.Store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}

	r := newRunner(sess, m.deps, m.cfg, m.release)
	m.mu.Lock()
	m.runners[sess.ID] = r
	m.mu.Unlock()
	m.deps.Metrics.ActiveSessions.Inc()

	go r.loop()
	m.deps.Logger.Info("session created", "session", sess.ID, "workspace", workspaceID)
	return sess, nil
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.runners, sessionID)
	m.mu.Unlock()
	m.deps.Metrics.ActiveSessions.Dec()
}

func (m *Manager) runner(sessionID string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return r, nil
}

// Submit queues a tool call on an active session.
func (m *Manager) Submit(sessionID, toolName string, args map[string]any) (domain.ToolCallRequest, error) {
	r, err := m.runner(sessionID)
	if err != nil {
		return domain.ToolCallRequest{}, err
	}
	return r.Submit(toolName, args)
}

// Finish completes a session after its queued work drains.
func (m *Manager) Finish(sessionID, summary string) error {
	r, err := m.runner(sessionID)
	if err != nil {
		return err
	}
	return r.Finish(summary)
}

// Fail marks a session failed.
func (m *Manager) Fail(sessionID, message string) error {
	r, err := m.runner(sessionID)
	if err != nil {
		return err
	}
	return r.Fail(message)
}

// Stop cancels an active session. Stopping an already-finished session is a
// no-op success; stopping an unknown one is domain.ErrNotFound.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	r, err := m.runner(sessionID)
	if err != nil {
		sess, gerr := m.deps.Store.GetSession(ctx, sessionID)
		if gerr != nil {
			return gerr
		}
		if sess != nil && sess.Status.Terminal() {
			return nil
		}
		return err
	}

	r.Stop()
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the authoritative session snapshot.
func (m *Manager) State(ctx context.Context, sessionID string) (SessionState, error) {
	if r, err := m.runner(sessionID); err == nil {
		state := SessionState{
			Session: r.Status(),
			Grants:  m.deps.Grants.List(sessionID),
		}
		if pending, ok := m.deps.Confirms.Pending(sessionID); ok {
			state.PendingConfirmation = &pending
		}
		return state, nil
	}

	sess, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	if sess == nil {
		return SessionState{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return SessionState{Session: *sess}, nil
}

// Shutdown stops every active session and waits for the runners to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	for _, r := range runners {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
