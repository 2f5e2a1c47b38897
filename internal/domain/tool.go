package domain

import "context"

// Tool is the interface for agent capabilities (shell, file ops, fetch, etc).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolDefinition is the registry-facing description of a tool, consumed by
// both the dispatcher and the trust engine's classification table.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
