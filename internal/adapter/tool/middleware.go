package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/tracer"
)

// Execute runs a tool handler: decode input into P, open a span tagged with
// the session and collection, call handler, and turn whatever it returns
// into a ToolResult.
//
// The handler may return:
//   - (*domain.ToolResult, nil) returned as-is
//   - (string, nil) a markdown success result
//   - (any other value, nil) indented JSON content, with the value kept as Data
//   - (nil, error) a failed result carrying the error and a hint for the model
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	input json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	tc := domain.ToolContextFrom(ctx)
	ctx, span := tracer.StartSpan(ctx, spanName, trace.WithAttributes(
		tracer.StringAttr("tool.name", spanName),
		tracer.StringAttr("session.id", domain.SessionIDFromContext(ctx)),
		tracer.StringAttr("collection.id", tc.CollectionID),
	))
	defer span.End()

	var p P
	if err := json.Unmarshal(input, &p); err != nil {
		tracer.RecordError(span, err)
		return ErrResult("invalid input: %v", err)
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		// Argument mistakes are the model's to fix, not an operator problem.
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrInvalidInput) {
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, spanName+" failed", "collection", tc.CollectionID, "error", err)
		return &domain.ToolResult{Success: false, Content: describeToolError(err)}, nil
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if !v.Success {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return TextResult(v), nil
	default:
		res, err := JSONResult(v)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return res, nil
	}
}

// ErrResult creates a failed ToolResult. Use this for validation errors inside handlers
// that should be returned to the model without being logged as warnings.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		Success: false,
		Content: fmt.Sprintf(format, args...),
	}, nil
}

// JSONResult marshals v as indented JSON into a success ToolResult.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Success: true, Content: string(data), Data: v}, nil
}

// TextResult creates a plain text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Success: true, Content: s}
}

// DataResult creates a success ToolResult with markdown content and a
// structured payload for UI rendering.
func DataResult(content string, data any) *domain.ToolResult {
	return &domain.ToolResult{Success: true, Content: content, Data: data}
}

// BadAction returns an error for an unknown action with a hint listing valid actions.
func BadAction(got string, valid ...string) error {
	return fmt.Errorf("unknown action %q (want: %s)", got, joinComma(valid))
}

func joinComma(ss []string) string {
	switch len(ss) {
	case 0:
		return ""
	case 1:
		return ss[0]
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += ", " + s
	}
	return out
}
