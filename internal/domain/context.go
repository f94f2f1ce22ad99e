package domain

import "context"

type ctxKey string

const (
	sessionCtxKey ctxKey = "session_id"
	toolCtxKey    ctxKey = "tool_context"
)

// PageContext describes the entity the user is currently looking at.
type PageContext struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Name       string `json:"name,omitempty"`
}

// ToolContext is the ambient data a tool handler needs but the model does
// not supply.
type ToolContext struct {
	CollectionID string
	Page         *PageContext
}

// ContextWithSessionID returns a new context carrying the session ID (ULID).
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithToolContext attaches tc to ctx for tool handlers.
func ContextWithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, toolCtxKey, tc)
}

// ToolContextFrom returns the ToolContext carried by ctx, or the zero value.
func ToolContextFrom(ctx context.Context) ToolContext {
	if v, ok := ctx.Value(toolCtxKey).(ToolContext); ok {
		return v
	}
	return ToolContext{}
}
