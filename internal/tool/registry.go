package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentgate/internal/domain"
)

// Registry holds the available tools and dispatches approved calls.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

func (r *Registry) Register(t domain.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", "name", t.Name())
}

func (r *Registry) Get(name string) domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Dispatch runs an approved call under the given timeout. Unknown names
// return domain.ErrUnknownTool; an exceeded bound returns domain.ErrTimeout.
// Execution runs in its own goroutine so a stuck tool cannot wedge the
// session loop; the abandoned goroutine holds the cancelled context.
func (r *Registry) Dispatch(ctx context.Context, call domain.ToolCallRequest, timeout time.Duration) (string, error) {
	t := r.Get(call.Tool)
	if t == nil {
		return "", fmt.Errorf("%q: %w", call.Tool, domain.ErrUnknownTool)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		out, err := t.Execute(ctx, call.Args)
		ch <- result{out, err}
	}()

	select {
	case res := <-ch:
		r.logger.Debug("tool executed",
			"tool", call.Tool, "session", call.SessionID,
			"duration", time.Since(start), "error", res.err)
		return res.out, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("tool execution exceeded timeout",
				"tool", call.Tool, "session", call.SessionID, "timeout", timeout)
			return "", fmt.Errorf("%s after %s: %w", call.Tool, timeout, domain.ErrTimeout)
		}
		return "", fmt.Errorf("%s: %w", call.Tool, domain.ErrCancelled)
	}
}

// Definitions returns every tool's schema for the session-status surface.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
