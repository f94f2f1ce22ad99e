package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorekeeper/internal/domain"
)

func TestRegistry_RegisterAndSchemasInOrder(t *testing.T) {
	reg := NewRegistry(nopLogger())
	require.NoError(t, reg.Register(
		&stubTool{name: "search_entities", kind: domain.ToolKindRead},
		&stubTool{name: "propose_create", kind: domain.ToolKindWrite},
	))
	require.NoError(t, reg.Register(&stubTool{name: "work_items", kind: domain.ToolKindInternal}))

	assert.Equal(t, []string{"search_entities", "propose_create", "work_items"}, reg.Names())

	schemas := reg.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "propose_create", schemas[1].Name)

	assert.Equal(t, domain.ToolKindWrite, reg.Kind("propose_create"))
	assert.Equal(t, domain.ToolKindInternal, reg.Kind("work_items"))
	assert.Equal(t, domain.ToolKindRead, reg.Kind("nope"))
}

func TestRegistry_DuplicateRejectsWholeBatch(t *testing.T) {
	reg := NewRegistry(nopLogger())
	require.NoError(t, reg.Register(&stubTool{name: "a"}))

	err := reg.Register(&stubTool{name: "b"}, &stubTool{name: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, []string{"a"}, reg.Names())

	err = reg.Register(&stubTool{name: "c"}, &stubTool{name: "c"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestRegistry_BadSchema(t *testing.T) {
	reg := NewRegistry(nopLogger())
	err := reg.Register(&stubTool{name: "bad", schema: json.RawMessage(`{"type": 12}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry(nopLogger())
	require.NoError(t, reg.Register(&stubTool{name: "a"}))

	got, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name())

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_Execute(t *testing.T) {
	tests := []struct {
		name        string
		tool        *stubTool
		call        string
		input       string
		wantSuccess bool
		wantContent string
	}{
		{
			name:        "success",
			tool:        &stubTool{name: "t", result: TextResult("done")},
			call:        "t",
			wantSuccess: true,
			wantContent: "done",
		},
		{
			name:        "unknown tool",
			tool:        &stubTool{name: "t"},
			call:        "does_not_exist",
			wantContent: "Unknown tool: does_not_exist",
		},
		{
			name:        "handler error",
			tool:        &stubTool{name: "t", err: errors.New("store closed")},
			call:        "t",
			wantContent: "store closed",
		},
		{
			name:        "transient handler error",
			tool:        &stubTool{name: "t", err: errors.New("database is locked")},
			call:        "t",
			wantContent: "database is locked (transient error, may succeed on retry)",
		},
		{
			name:        "nil result",
			tool:        &stubTool{name: "t"},
			call:        "t",
			wantContent: "tool t returned no result",
		},
		{
			name:        "panic",
			tool:        &stubTool{name: "t", panics: true},
			call:        "t",
			wantContent: "tool t failed unexpectedly: boom",
		},
		{
			name:        "schema failure",
			tool:        &stubTool{name: "t", schema: nameSchema, result: TextResult("unreachable")},
			call:        "t",
			input:       `{"count": 1}`,
			wantContent: "input for t does not match its schema",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(nopLogger())
			require.NoError(t, reg.Register(tt.tool))

			var res *domain.ToolResult
			require.NotPanics(t, func() {
				res = reg.Execute(context.Background(), tt.call, json.RawMessage(tt.input))
			})
			require.NotNil(t, res)
			assert.Equal(t, tt.wantSuccess, res.Success)
			assert.Contains(t, res.Content, tt.wantContent)
		})
	}
}

func TestRegistry_EmptyInputTreatedAsObject(t *testing.T) {
	reg := NewRegistry(nopLogger())
	tool := &stubTool{name: "t", schema: json.RawMessage(`{"type":"object"}`), result: TextResult("ok")}
	require.NoError(t, reg.Register(tool))

	res := reg.Execute(context.Background(), "t", nil)
	assert.True(t, res.Success, res.Content)
	assert.Equal(t, 1, tool.calls)
}

func TestRegistry_RateLimit(t *testing.T) {
	reg := NewRegistry(nopLogger(), WithRateLimit(1, 2))
	tool := &stubTool{name: "t", result: TextResult("ok")}
	require.NoError(t, reg.Register(tool))

	assert.True(t, reg.Execute(context.Background(), "t", nil).Success)
	assert.True(t, reg.Execute(context.Background(), "t", nil).Success)

	res := reg.Execute(context.Background(), "t", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Content, "rate limited")
	assert.Equal(t, 2, tool.calls)
}

func TestRegistry_RateLimitDisabled(t *testing.T) {
	reg := NewRegistry(nopLogger(), WithRateLimit(0, 5))
	require.NoError(t, reg.Register(&stubTool{name: "t", result: TextResult("ok")}))
	for range 20 {
		require.True(t, reg.Execute(context.Background(), "t", nil).Success)
	}
}
