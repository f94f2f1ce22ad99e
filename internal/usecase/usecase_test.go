package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"lorekeeper/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

// llmTurn scripts one model turn.
type llmTurn struct {
	text      []string
	blocks    []domain.ContentBlock // appended after the text block
	stop      domain.StopReason
	usage     domain.Usage
	openErr   error // returned by ChatStream
	streamErr error // sent after the text
	hold      bool  // block after the text until the turn is cancelled
}

type scriptedLLM struct {
	mu    sync.Mutex
	turns []llmTurn
	reqs  []domain.ChatRequest
}

func newScriptedLLM(turns ...llmTurn) *scriptedLLM {
	return &scriptedLLM{turns: turns}
}

func (m *scriptedLLM) Name() string { return "scripted" }

func (m *scriptedLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	m.mu.Unlock()

	if turn.openErr != nil {
		return nil, turn.openErr
	}

	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var text strings.Builder
		for _, t := range turn.text {
			if !send(domain.StreamDelta{Text: t}) {
				return
			}
			text.WriteString(t)
		}
		if turn.hold {
			<-ctx.Done()
			return
		}
		if turn.streamErr != nil {
			send(domain.StreamDelta{Err: turn.streamErr})
			return
		}

		var content []domain.ContentBlock
		if text.Len() > 0 {
			content = append(content, domain.TextBlock(text.String()))
		}
		content = append(content, turn.blocks...)
		stop := turn.stop
		if stop == "" {
			stop = domain.StopEndTurn
			if len(turn.blocks) > 0 {
				stop = domain.StopToolUse
			}
		}
		send(domain.StreamDelta{Done: true, Response: &domain.ChatResponse{
			Content: content, StopReason: stop, Usage: turn.usage,
		}})
	}()
	return ch, nil
}

func (m *scriptedLLM) requests() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.reqs)
}

// fakeTools is a ToolExecutor backed by handler funcs.
type fakeTools struct {
	mu       sync.Mutex
	kinds    map[string]domain.ToolKind
	handlers map[string]func(ctx context.Context, input json.RawMessage) *domain.ToolResult
	calls    []string
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		kinds:    map[string]domain.ToolKind{},
		handlers: map[string]func(context.Context, json.RawMessage) *domain.ToolResult{},
	}
}

func (f *fakeTools) add(name string, kind domain.ToolKind, h func(context.Context, json.RawMessage) *domain.ToolResult) {
	f.kinds[name] = kind
	f.handlers[name] = h
}

func (f *fakeTools) Execute(ctx context.Context, name string, input json.RawMessage) *domain.ToolResult {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	h, ok := f.handlers[name]
	f.mu.Unlock()
	if !ok {
		return &domain.ToolResult{Success: false, Content: "Unknown tool: " + name}
	}
	return h(ctx, input)
}

func (f *fakeTools) Kind(name string) domain.ToolKind {
	if k, ok := f.kinds[name]; ok {
		return k
	}
	return domain.ToolKindRead
}

func (f *fakeTools) Schemas() []domain.ToolSchema {
	names := make([]string, 0, len(f.handlers))
	for n := range f.handlers {
		names = append(names, n)
	}
	slices.Sort(names)
	out := make([]domain.ToolSchema, 0, len(names))
	for _, n := range names {
		out = append(out, domain.ToolSchema{Name: n, Description: "test tool", Parameters: json.RawMessage(`{"type":"object"}`)})
	}
	return out
}

func (f *fakeTools) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func okResult(content string) func(context.Context, json.RawMessage) *domain.ToolResult {
	return func(context.Context, json.RawMessage) *domain.ToolResult {
		return &domain.ToolResult{Success: true, Content: content}
	}
}

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func toolUse(id, name, input string) domain.ContentBlock {
	return domain.ToolUseBlock(id, name, json.RawMessage(input))
}

func newTestAgent(llm domain.StreamingLLMProvider, tools domain.ToolExecutor, mutate ...func(*AgentDeps)) *Agent {
	deps := AgentDeps{
		LLM:             llm,
		Tools:           func(*Session) (domain.ToolExecutor, error) { return tools, nil },
		ContextBuilder:  NewContextBuilder(ContextConfig{SystemPrompt: "You are a lore assistant.", Model: "test-model"}),
		ErrorClassifier: NewErrorClassifier(),
		Logger:          nopLogger(),
		RetryBaseDelay:  1,
	}
	for _, m := range mutate {
		m(&deps)
	}
	return NewAgent(deps)
}
