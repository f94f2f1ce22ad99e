package domain

import (
	"context"
	"encoding/json"
)

// ToolKind classifies a tool for progress surfacing only. It never changes
// how the tool is dispatched.
type ToolKind string

const (
	ToolKindRead     ToolKind = "read"
	ToolKindWrite    ToolKind = "write"
	ToolKindInternal ToolKind = "internal"
)

// Visibility returns how progress for a tool of this kind is shown.
func (k ToolKind) Visibility() ProgressVisibility {
	switch k {
	case ToolKindWrite:
		return VisibilityNarrated
	case ToolKindInternal:
		return VisibilitySilent
	default:
		return VisibilityEphemeral
	}
}

// ToolSchema describes a tool for the LLM (JSON Schema format).
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of a tool execution. Failure is Success=false,
// never an error raised into the conversation loop.
type ToolResult struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// Tool is the interface every agent tool implements.
type Tool interface {
	Name() string
	Description() string
	Kind() ToolKind
	Schema() ToolSchema
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ToolExecutor dispatches tool calls by name. Execute never returns nil and
// reports every failure, including unknown names, through the result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) *ToolResult
	Kind(name string) ToolKind
	Schemas() []ToolSchema
}
