package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeChunks(w http.ResponseWriter, chunks []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func newOpenAITestProvider(url string) *OpenAIProvider {
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-test",
	}, newTestLogger())
}

func TestOpenAIChatStreamToolCalls(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		body, _ = io.ReadAll(r.Body)
		writeChunks(w, []string{
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Searching"}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"get_entity","arguments":"{\"id\":\"e1\"}"}}]}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"search_entities","arguments":"{\"query\":"}}]}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"dragon\"}"}}]}}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-test","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":5,"total_tokens":25,"prompt_tokens_details":{"cached_tokens":8}}}`,
			`[DONE]`,
		})
	}))
	defer server.Close()

	p := newOpenAITestProvider(server.URL)
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		System:   "be brief",
		Messages: []domain.Message{domain.NewUserMessage("find the dragon")},
		Tools: []domain.ToolSchema{{
			Name:       "search_entities",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	text, resp, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "Searching" {
		t.Errorf("text = %q", text)
	}
	if resp == nil {
		t.Fatal("expected final response")
	}
	if resp.StopReason != domain.StopToolUse {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 3 {
		t.Fatalf("content blocks = %d, want 3", len(resp.Content))
	}
	if resp.Content[1].ID != "call_a" || resp.Content[2].ID != "call_b" {
		t.Errorf("tool calls should be ordered by index: %+v", resp.Content)
	}
	if string(resp.Content[1].Input) != `{"query":"dragon"}` {
		t.Errorf("assembled arguments = %s", resp.Content[1].Input)
	}
	if resp.Usage.Input != 12 || resp.Usage.CacheRead != 8 || resp.Usage.Output != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Model != "gpt-test" || !req.Stream {
		t.Errorf("request model=%q stream=%v", req.Model, req.Stream)
	}
	if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
		t.Error("usage should be requested in stream")
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("messages = %+v", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "search_entities" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestOpenAIChatStreamNoFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, []string{
			`{"id":"c","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"content":"half"}}]}`,
			`[DONE]`,
		})
	}))
	defer server.Close()

	ch, err := newOpenAITestProvider(server.URL).ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{domain.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	_, resp, streamErr := collect(t, ch)
	if resp != nil {
		t.Error("no final response expected")
	}
	if !errors.Is(streamErr, domain.ErrStreamIncomplete) {
		t.Errorf("stream err = %v, want incomplete", streamErr)
	}
}

func TestOpenAIOpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`, domain.ErrAuthInvalid},
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, domain.ErrRateLimit},
		{"overflow", http.StatusBadRequest, `{"error":{"message":"This model's maximum context length is 128000 tokens","type":"invalid_request_error","code":"context_length_exceeded"}}`, domain.ErrContextOverflow},
		{"unavailable", http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`, domain.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newOpenAITestProvider(server.URL).ChatStream(context.Background(), domain.ChatRequest{
				Messages: []domain.Message{domain.NewUserMessage("hi")},
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := []domain.Message{
		domain.NewUserMessage("who rules?"),
		{Role: domain.RoleAssistant, Content: []domain.ContentBlock{
			domain.TextBlock("checking"),
			domain.ToolUseBlock("call_1", "search_entities", json.RawMessage(`{"query":"king"}`)),
		}},
		{Role: domain.RoleUser, Content: []domain.ContentBlock{
			domain.ToolResultBlock("call_1", "lookup failed", true),
			domain.TextBlock("try again"),
		}},
	}

	out := toOpenAIMessages("sys", msgs)
	if len(out) != 5 {
		t.Fatalf("messages = %d, want 5: %+v", len(out), out)
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "sys" {
		t.Errorf("system = %+v", out[0])
	}
	am := out[2]
	if am.Role != openai.ChatMessageRoleAssistant || am.Content != "checking" || len(am.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", am)
	}
	if am.ToolCalls[0].Function.Arguments != `{"query":"king"}` {
		t.Errorf("arguments = %s", am.ToolCalls[0].Function.Arguments)
	}
	tool := out[3]
	if tool.Role != openai.ChatMessageRoleTool || tool.ToolCallID != "call_1" || tool.Content != "[error] lookup failed" {
		t.Errorf("tool message = %+v", tool)
	}
	if out[4].Role != openai.ChatMessageRoleUser || out[4].Content != "try again" {
		t.Errorf("trailing user text = %+v", out[4])
	}
}

func TestMapOpenAIFinish(t *testing.T) {
	tests := map[openai.FinishReason]domain.StopReason{
		openai.FinishReasonStop:          domain.StopEndTurn,
		openai.FinishReasonToolCalls:     domain.StopToolUse,
		openai.FinishReasonFunctionCall:  domain.StopToolUse,
		openai.FinishReasonLength:        domain.StopMaxTokens,
		openai.FinishReasonContentFilter: domain.StopUnknown,
	}
	for in, want := range tests {
		if got := mapOpenAIFinish(in); got != want {
			t.Errorf("mapOpenAIFinish(%q) = %q, want %q", in, got, want)
		}
	}
}
