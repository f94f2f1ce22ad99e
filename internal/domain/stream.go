package domain

import "encoding/json"

// StreamEventType identifies a streaming channel event.
type StreamEventType string

const StreamEventText StreamEventType = "text"

// StreamEvent is emitted by a streaming channel while a turn is in flight.
type StreamEvent struct {
	Type StreamEventType
	Text string
}

// ProgressPhase marks where a tool call is in its execution.
type ProgressPhase string

const (
	PhaseToolStart ProgressPhase = "tool_start"
	PhaseToolEnd   ProgressPhase = "tool_end"
)

// ProgressVisibility tells the caller how to surface a progress event.
type ProgressVisibility string

const (
	// VisibilityEphemeral is a transient "looking things up" indicator.
	VisibilityEphemeral ProgressVisibility = "ephemeral"
	// VisibilityNarrated is shown to the user as part of the answer.
	VisibilityNarrated ProgressVisibility = "narrated"
	// VisibilitySilent is recorded but not shown.
	VisibilitySilent ProgressVisibility = "silent"
)

// ProgressEvent is emitted before and after each tool call.
type ProgressEvent struct {
	Phase      ProgressPhase      `json:"phase"`
	Iteration  int                `json:"iteration"`
	ToolUseID  string             `json:"tool_use_id"`
	ToolName   string             `json:"tool_name"`
	Kind       ToolKind           `json:"kind"`
	Visibility ProgressVisibility `json:"visibility"`
	Input      json.RawMessage    `json:"input,omitempty"`
	Result     *ToolResult        `json:"result,omitempty"`
}
