package domain

import "errors"

// Error taxonomy shared across the execution core. Callers match with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) preserves identity.
var (
	// ErrUnknownTool means no handler is registered under the given name.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrTimeout means a tool execution exceeded its bound. The side effect
	// is not guaranteed to be rolled back; tools own their retry safety.
	ErrTimeout = errors.New("tool execution timed out")
	// ErrAlreadyPending means a session already has a pending confirmation.
	// This is an invariant violation, never swallowed silently.
	ErrAlreadyPending = errors.New("confirmation already pending for session")
	// ErrInvalidState means respond/expire hit a non-pending request. Safe
	// to ignore at the call site, but always logged.
	ErrInvalidState = errors.New("confirmation not pending")
	// ErrPolicyDenied means the operation category is blacklisted. Terminal;
	// never escalated to confirmation.
	ErrPolicyDenied = errors.New("denied by workspace policy")
	// ErrCancelled means the session was stopped explicitly.
	ErrCancelled = errors.New("session cancelled")
	// ErrQueueFull means the session's submission backlog is at capacity.
	// Transient; the caller may retry once queued work drains.
	ErrQueueFull = errors.New("session queue full")
	// ErrNotFound means the referenced session or confirmation does not exist.
	ErrNotFound = errors.New("not found")
)
