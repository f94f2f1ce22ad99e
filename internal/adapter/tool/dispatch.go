package tool

import (
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/infra/tracer"
)

// actionParams is implemented by the params of tools that take an "action"
// argument and route on it.
type actionParams interface {
	actionName() string
}

// ActionHandler handles one action of an action-based tool.
type ActionHandler[P actionParams] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to their handlers.
type ActionMap[P actionParams] map[string]ActionHandler[P]

// Dispatch returns an Execute[P] handler that routes on the params' action.
// Action names are matched case-insensitively; models often capitalize them.
func Dispatch[P actionParams](actions ActionMap[P]) func(ctx context.Context, span trace.Span, p P) (any, error) {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	slices.Sort(names)

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		action := strings.ToLower(strings.TrimSpace(p.actionName()))
		span.SetAttributes(tracer.StringAttr("tool.action", action))

		handler, ok := actions[action]
		if !ok {
			return ErrResult("%v", BadAction(action, names...))
		}
		return handler(ctx, p)
	}
}
