package runtime

import (
	"context"
	"errors"
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
)

// queueItem is one unit of work on a session's serial queue: a tool call or
// a terminal instruction from the agent loop.
type queueItem struct {
	call    domain.ToolCallRequest
	finish  bool
	fail    bool
	summary string
}

// Runner drives one session. All tool calls of a session pass through a
// single goroutine, so at most one call is in flight and at most one
// confirmation can be pending at any instant.
type Runner struct {
	session domain.Session

	store    domain.Store
	engine   *trust.Engine
	confirms *confirm.Broker
	registry *tool.Registry
	events   *stream.Broker
	grants   *trust.Grants
	metrics  *metrics.Metrics
	logger   *slog.Logger

	confirmTTL  time.Duration
	toolTimeout time.Duration

	queue  chan queueItem
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onExit func(sessionID string)

	mu      sync.Mutex
	seq     uint64
	stopped bool
}

func newRunner(session domain.Session, deps Deps, cfg Config, onExit func(string)) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		session:     session,
		store:       deps.Store,
		engine:      deps.Engine,
		confirms:    deps.Confirms,
		registry:    deps.Registry,
		events:      deps.Events,
		grants:      deps.Grants,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("session", session.ID),
		confirmTTL:  cfg.ConfirmTTL,
		toolTimeout: cfg.ToolTimeout,
		queue:       make(chan queueItem, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		onExit:      onExit,
	}
}

// Submit enqueues a tool call. The assigned sequence number is monotonic
// within the session. Returns domain.ErrCancelled once the session stopped
// accepting work.
func (r *Runner) Submit(toolName string, args map[string]any) (domain.ToolCallRequest, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return domain.ToolCallRequest{}, fmt.Errorf("session %s: %w", r.session.ID, domain.ErrCancelled)
	}
	r.seq++
	call := domain.ToolCallRequest{
		SessionID: r.session.ID,
		Seq:       r.seq,
		Tool:      toolName,
		Args:      args,
	}
	r.mu.Unlock()

	select {
	case r.queue <- queueItem{call: call}:
		return call, nil
	default:
		return domain.ToolCallRequest{}, fmt.Errorf("session %s: %w", r.session.ID, domain.ErrQueueFull)
	}
}

// Finish tells the runner the agent loop is done; the session completes
// after the queued work drains.
func (r *Runner) Finish(summary string) error {
	return r.enqueueTerminal(queueItem{finish: true, summary: summary})
}

// Fail marks the session failed with the given message.
func (r *Runner) Fail(message string) error {
	return r.enqueueTerminal(queueItem{fail: true, summary: message})
}

func (r *Runner) enqueueTerminal(item queueItem) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", r.session.ID, domain.ErrCancelled)
	}
	r.stopped = true // no more submissions after a terminal instruction
	r.mu.Unlock()

	select {
	case r.queue <- item:
		return nil
	default:
		return fmt.Errorf("session %s: %w", r.session.ID, domain.ErrQueueFull)
	}
}

// Stop cancels the session. A pending confirmation expires, in-flight work
// is cancelled and the session ends in the cancelled state.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
}

// Done closes when the session reached its terminal state.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Status returns the runner's current view of the session.
func (r *Runner) Status() domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Runner) setStatus(status domain.SessionStatus) {
	// Persist with a background context: status moves must land even while
	// the runner context is being torn down.
	if err := r.store.UpdateSessionStatus(context.Background(), r.session.ID, status); err != nil {
		r.logger.Error("persist session status", "status", status, "error", err)
	}
	r.mu.Lock()
	r.session.Status = status
	if status.Terminal() {
		now := time.Now()
		r.session.CompletedAt = &now
	}
	r.mu.Unlock()
}

func (r *Runner) loop() {
	r.setStatus(domain.SessionRunning)
	for {
		// Cancellation outranks queued work: once stopped, nothing else may
		// start, even when the select below could still drain the queue.
		if r.ctx.Err() != nil {
			r.finalize(domain.SessionCancelled, domain.Event{
				Kind:    domain.EventError,
				Content: "session cancelled",
			})
			return
		}
		select {
		case <-r.ctx.Done():
			r.finalize(domain.SessionCancelled, domain.Event{
				Kind:    domain.EventError,
				Content: "session cancelled",
			})
			return
		case item := <-r.queue:
			switch {
			case item.finish:
				if item.summary != "" {
					r.events.Emit(r.session.ID, domain.Event{
						Kind:    domain.EventContent,
						Content: item.summary,
					})
				}
				r.finalize(domain.SessionCompleted, domain.Event{Kind: domain.EventDone})
				return
			case item.fail:
				r.finalize(domain.SessionFailed, domain.Event{
					Kind:    domain.EventError,
					Content: item.summary,
				})
				return
			default:
				r.handleCall(item.call)
			}
		}
	}
}

// finalize emits the terminal event exactly once and releases everything
// scoped to the session.
func (r *Runner) finalize(status domain.SessionStatus, terminal domain.Event) {
	r.setStatus(status)
	r.events.Emit(r.session.ID, terminal)
	r.grants.ClearSession(r.session.ID)
	r.confirms.ForgetSession(r.session.ID)
	r.logger.Info("session finished", "status", status)
	if r.onExit != nil {
		r.onExit(r.session.ID)
	}
	close(r.done)
}

func (r *Runner) handleCall(call domain.ToolCallRequest) {
	r.events.Emit(r.session.ID, domain.Event{
		Kind: domain.EventToolCall,
		Tool: call.Tool,
		Seq:  call.Seq,
		Args: call.Args,
	})

	decision, err := r.engine.Decide(r.ctx, r.session.WorkspaceID, r.session.ID, call.Tool, call.Args)
	if err != nil {
		// No durable audit record means no execution.
		r.logger.Error("policy evaluation failed", "tool", call.Tool, "error", err)
		r.emitResult(call, domain.ToolResultError, "policy evaluation failed: "+err.Error())
		return
	}
	r.metrics.Decisions.WithLabelValues(string(decision.Kind)).Inc()

	switch decision.Kind {
	case domain.DecideDeny:
		r.logger.Warn("tool call denied", "tool", call.Tool, "reason", decision.Reason)
		r.emitResult(call, domain.ToolResultError, "denied: "+decision.Reason)
	case domain.DecideAutoApprove:
		r.execute(call)
	case domain.DecideRequireConfirmation:
		r.confirmAndExecute(call, decision)
	default:
		r.emitResult(call, domain.ToolResultError, fmt.Sprintf("unknown decision kind %q", decision.Kind))
	}
}

func (r *Runner) confirmAndExecute(call domain.ToolCallRequest, decision domain.Decision) {
	r.setStatus(domain.SessionWaitingConfirmation)

	desc := describeCall(call, decision.Classification)
	req, err := r.confirms.Create(r.ctx, r.session.WorkspaceID, call, decision.Classification, desc, r.confirmTTL)
	if err != nil {
		r.setStatus(domain.SessionRunning)
		r.emitResult(call, domain.ToolResultError, "confirmation request failed: "+err.Error())
		return
	}

	r.metrics.PendingGauge.Inc()
	r.events.Emit(r.session.ID, domain.Event{
		Kind:           domain.EventConfirmRequired,
		Tool:           call.Tool,
		Seq:            call.Seq,
		ConfirmationID: req.ID,
		Description:    req.Description,
		Classification: &req.Classification,
		Deadline:       req.Deadline,
	})

	out, err := r.confirms.Wait(r.ctx, req.ID)
	r.metrics.PendingGauge.Dec()
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			// The ctx.Done branch of the loop emits the terminal event.
			r.emitResult(call, domain.ToolResultCancelled, "session cancelled")
			return
		}
		r.setStatus(domain.SessionRunning)
		r.emitResult(call, domain.ToolResultError, "confirmation failed: "+err.Error())
		return
	}
	r.setStatus(domain.SessionRunning)
	r.metrics.Confirmations.WithLabelValues(string(out.Status)).Inc()

	switch {
	case out.Approved():
		r.execute(call)
	case out.Status == domain.ConfirmExpired:
		r.emitResult(call, domain.ToolResultCancelled, "confirmation expired")
	default:
		msg := "rejected by user"
		if out.Feedback != "" {
			msg += ": " + out.Feedback
		}
		r.emitResult(call, domain.ToolResultCancelled, msg)
	}
}

func (r *Runner) execute(call domain.ToolCallRequest) {
	start := time.Now()
	out, err := r.registry.Dispatch(r.ctx, call, r.toolTimeout)
	r.metrics.ToolDuration.WithLabelValues(call.Tool).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		r.emitResult(call, domain.ToolResultSuccess, out)
	case errors.Is(err, domain.ErrCancelled):
		r.emitResult(call, domain.ToolResultCancelled, err.Error())
	default:
		r.emitResult(call, domain.ToolResultError, err.Error())
	}
}

func (r *Runner) emitResult(call domain.ToolCallRequest, status domain.ToolResultStatus, result string) {
	r.events.Emit(r.session.ID, domain.Event{
		Kind:   domain.EventToolResult,
		Tool:   call.Tool,
		Seq:    call.Seq,
		Status: status,
		Result: result,
	})
}

func describeCall(call domain.ToolCallRequest, cls domain.RiskClassification) string {
	return fmt.Sprintf("Run %s (%s risk, %s), args: %v", call.Tool, cls.Level, cls.Category, call.Args)
}
