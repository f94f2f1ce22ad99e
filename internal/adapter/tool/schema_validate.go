package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/schema"
)

// SchemaValidatingTool checks input against the tool's declared JSON Schema
// before the handler sees it. Violations come back as a failed result that
// lists each offending field, so the model can correct its call.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *schema.Schema
}

// WithSchemaValidation wraps a tool so that Execute validates input against
// the tool's JSON Schema before forwarding to the inner tool.
// Returns error if the schema fails to compile.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiled, err := schema.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Kind() domain.ToolKind     { return s.inner.Kind() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

func (s *SchemaValidatingTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return ErrResult("invalid JSON input for %s: %v", s.inner.Name(), err)
	}

	if err := s.schema.Validate(v); err != nil {
		return ErrResult("input for %s does not match its schema:\n%v", s.inner.Name(), err)
	}

	return s.inner.Execute(ctx, input)
}
