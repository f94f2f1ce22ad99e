package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRunStarted           EventType = "run.started"
	EventRunCompleted         EventType = "run.completed"
	EventRunCancelled         EventType = "run.cancelled"
	EventLLMCallStarted       EventType = "llm.call.started"
	EventLLMCallCompleted     EventType = "llm.call.completed"
	EventLLMCallFailed        EventType = "llm.call.failed"
	EventToolCallStarted      EventType = "tool.call.started"
	EventToolCallCompleted    EventType = "tool.call.completed"
	EventProposalCreated      EventType = "proposal.created"
	EventProposalAccepted     EventType = "proposal.accepted"
	EventProposalAcceptFailed EventType = "proposal.accept_failed"
	EventProposalRejected     EventType = "proposal.rejected"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunPayload is the payload for run lifecycle events.
type RunPayload struct {
	Iterations int    `json:"iterations"`
	Usage      Usage  `json:"usage"`
	Error      string `json:"error,omitempty"`
}

// LLMCallPayload is the payload for llm.call.* events.
type LLMCallPayload struct {
	Iteration  int        `json:"iteration"`
	Attempt    int        `json:"attempt"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ToolCallPayload is the payload for tool.call.* events.
type ToolCallPayload struct {
	ToolUseID string   `json:"tool_use_id"`
	ToolName  string   `json:"tool_name"`
	Kind      ToolKind `json:"kind"`
	Success   bool     `json:"success,omitempty"`
	Duration  string   `json:"duration,omitempty"`
}

// ProposalPayload is the payload for proposal.* events.
type ProposalPayload struct {
	ProposalID   string     `json:"proposal_id"`
	Op           ProposalOp `json:"op"`
	CollectionID string     `json:"collection_id,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
