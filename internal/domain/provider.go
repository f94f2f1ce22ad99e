package domain

import (
	"context"
	"encoding/json"
)

// StopReason explains why the model ended its turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopUnknown   StopReason = "unknown"
)

// Usage tracks token consumption for one model turn or a running total.
type Usage struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cache_read"`
	CacheCreation int `json:"cache_creation"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.Input += o.Input
	u.Output += o.Output
	u.CacheRead += o.CacheRead
	u.CacheCreation += o.CacheCreation
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.Input + u.Output }

// CacheHints selects which request prefixes the backend may cache.
type CacheHints struct {
	System  bool `json:"system"`
	Tools   bool `json:"tools"`
	History bool `json:"history"`
}

// ChatRequest is sent to an LLM provider for one model turn.
type ChatRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []Message    `json:"messages"`
	Tools     []ToolSchema `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	// OutputSchema requests a JSON answer validated against this schema.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Cache        CacheHints      `json:"cache"`
}

// ChatResponse is the complete assistant turn returned by a provider.
type ChatResponse struct {
	ID         string         `json:"id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	// Structured holds the validated JSON answer when OutputSchema was set.
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Message converts the response into an assistant history turn.
func (r *ChatResponse) Message() Message {
	return Message{Role: RoleAssistant, Content: append([]ContentBlock(nil), r.Content...)}
}

// StreamDelta is one incremental chunk from a streaming provider. The last
// delta on a successful stream has Done set and carries the full Response;
// a failed stream ends with a delta carrying Err.
type StreamDelta struct {
	Text     string
	Done     bool
	Response *ChatResponse
	Err      error
}

// StreamingLLMProvider is the interface for any model backend.
type StreamingLLMProvider interface {
	// ChatStream starts one model turn. The returned channel is closed after
	// the final delta. Cancelling ctx stops the stream.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
	// Name returns the provider's identifier (e.g., "anthropic", "openai").
	Name() string
}
