package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
)

// sseEvent is one named server-sent event.
type sseEvent struct {
	name string
	data string
}

func writeSSE(w http.ResponseWriter, events []sseEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, e := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func newAnthropicTestProvider(url string) *AnthropicProvider {
	return NewAnthropicProvider(config.ProviderConfig{
		Name:    "anthropic",
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "claude-test",
	}, newTestLogger())
}

const anthropicMessageStart = `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1,"cache_read_input_tokens":4,"cache_creation_input_tokens":2}}}`

func anthropicToolTurn() []sseEvent {
	return []sseEvent{
		{"message_start", anthropicMessageStart},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"ping", `{"type":"ping"}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look."}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"search_entities","input":{}}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"dragon\"}"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"input_tokens":10,"output_tokens":15,"cache_read_input_tokens":4,"cache_creation_input_tokens":2}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
}

func collect(t *testing.T, ch <-chan domain.StreamDelta) (string, *domain.ChatResponse, error) {
	t.Helper()
	var text strings.Builder
	var resp *domain.ChatResponse
	var streamErr error
	for d := range ch {
		text.WriteString(d.Text)
		if d.Done {
			resp = d.Response
		}
		if d.Err != nil {
			streamErr = d.Err
		}
	}
	return text.String(), resp, streamErr
}

func TestAnthropicChatStreamToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		writeSSE(w, anthropicToolTurn())
	}))
	defer server.Close()

	p := newAnthropicTestProvider(server.URL)
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{domain.NewUserMessage("find the dragon")},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	text, resp, streamErr := collect(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "Let me look." {
		t.Errorf("streamed text = %q", text)
	}
	if resp == nil {
		t.Fatal("expected final response")
	}
	if resp.StopReason != domain.StopToolUse {
		t.Errorf("stop reason = %q, want tool_use", resp.StopReason)
	}
	if resp.ID != "msg_1" {
		t.Errorf("id = %q", resp.ID)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(resp.Content))
	}
	if resp.Content[0].Text != "Let me look." {
		t.Errorf("text block = %q", resp.Content[0].Text)
	}
	tu := resp.Content[1]
	if tu.Type != domain.BlockToolUse || tu.ID != "toolu_1" || tu.Name != "search_entities" {
		t.Errorf("tool use block = %+v", tu)
	}
	var input map[string]string
	if err := json.Unmarshal(tu.Input, &input); err != nil {
		t.Fatalf("tool input %q: %v", tu.Input, err)
	}
	if input["query"] != "dragon" {
		t.Errorf("tool input = %v", input)
	}
	if resp.Usage.Input != 10 || resp.Usage.Output != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Usage.CacheRead != 4 || resp.Usage.CacheCreation != 2 {
		t.Errorf("cache usage = %+v", resp.Usage)
	}
}

func TestAnthropicRequestCarriesCacheMarks(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		writeSSE(w, anthropicToolTurn())
	}))
	defer server.Close()

	p := newAnthropicTestProvider(server.URL)
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		System:   "You are a lore assistant.",
		Messages: []domain.Message{domain.NewUserMessage("hello")},
		Tools: []domain.ToolSchema{{
			Name:        "search_entities",
			Description: "Search the lore store",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		}},
		Cache: domain.CacheHints{System: true, Tools: true, History: true},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	collect(t, ch)

	var req struct {
		System []struct {
			Text         string          `json:"text"`
			CacheControl json.RawMessage `json:"cache_control"`
		} `json:"system"`
		Tools []struct {
			Name         string          `json:"name"`
			Description  string          `json:"description"`
			CacheControl json.RawMessage `json:"cache_control"`
		} `json:"tools"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				CacheControl json.RawMessage `json:"cache_control"`
			} `json:"content"`
		} `json:"messages"`
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request %s: %v", body, err)
	}
	if !req.Stream {
		t.Error("request should stream")
	}
	if len(req.System) != 1 || len(req.System[0].CacheControl) == 0 {
		t.Errorf("system block should be cache marked: %s", body)
	}
	if len(req.Tools) != 1 || req.Tools[0].Description != "Search the lore store" || len(req.Tools[0].CacheControl) == 0 {
		t.Errorf("tool should be described and cache marked: %s", body)
	}
	last := req.Messages[len(req.Messages)-1]
	if len(last.Content[len(last.Content)-1].CacheControl) == 0 {
		t.Errorf("last history block should be cache marked: %s", body)
	}
}

func TestAnthropicRequestWithoutCacheHints(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		writeSSE(w, anthropicToolTurn())
	}))
	defer server.Close()

	p := newAnthropicTestProvider(server.URL)
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		System:   "plain",
		Messages: []domain.Message{domain.NewUserMessage("hello")},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	collect(t, ch)

	if strings.Contains(string(body), "cache_control") {
		t.Errorf("no cache marks expected: %s", body)
	}
}

func TestAnthropicHistoryConversion(t *testing.T) {
	msgs := []domain.Message{
		domain.NewUserMessage("who rules?"),
		{Role: domain.RoleAssistant, Content: []domain.ContentBlock{
			domain.TextBlock("checking"),
			domain.ToolUseBlock("toolu_1", "search_entities", nil),
		}},
		{Role: domain.RoleUser, Content: []domain.ContentBlock{
			domain.ToolResultBlock("toolu_1", "no results", true),
		}},
		{Role: domain.RoleUser, Content: []domain.ContentBlock{domain.TextBlock("")}},
	}

	out := toAnthropicMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("messages = %d, want 3 (empty turn dropped)", len(out))
	}
	if string(out[1].Role) != "assistant" {
		t.Errorf("role = %q", out[1].Role)
	}
	tu := out[1].Content[1].OfToolUse
	if tu == nil || tu.ID != "toolu_1" {
		t.Fatalf("tool use block = %+v", out[1].Content[1])
	}
	raw, _ := json.Marshal(tu.Input)
	if string(raw) != "{}" {
		t.Errorf("nil input should become {}, got %s", raw)
	}
	tr := out[2].Content[0].OfToolResult
	if tr == nil || tr.ToolUseID != "toolu_1" || !tr.IsError.Value {
		t.Errorf("tool result block = %+v", out[2].Content[0])
	}
}

func TestAnthropicOpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth", http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, domain.ErrAuthInvalid},
		{"rate limit", http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, domain.ErrRateLimit},
		{"overloaded", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, domain.ErrProviderUnavailable},
		{"too long", http.StatusBadRequest, `{"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens > 200000 maximum"}}`, domain.ErrContextOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := newAnthropicTestProvider(server.URL)
			ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
				Messages: []domain.Message{domain.NewUserMessage("hi")},
			})
			if ch != nil {
				t.Error("no channel expected on open failure")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if calls != 1 {
				t.Errorf("server hit %d times, SDK retries should be off", calls)
			}
		})
	}
}

func TestAnthropicMidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, []sseEvent{
			{"message_start", anthropicMessageStart},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`},
			{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
		})
	}))
	defer server.Close()

	p := newAnthropicTestProvider(server.URL)
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{domain.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	text, resp, streamErr := collect(t, ch)
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if resp != nil {
		t.Error("no final response expected")
	}
	if !errors.Is(streamErr, domain.ErrProviderUnavailable) {
		t.Errorf("stream err = %v, want unavailable", streamErr)
	}
}

func TestAnthropicTruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, []sseEvent{
			{"message_start", anthropicMessageStart},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}`},
		})
	}))
	defer server.Close()

	p := newAnthropicTestProvider(server.URL)
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{domain.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	_, _, streamErr := collect(t, ch)
	if !errors.Is(streamErr, domain.ErrStreamIncomplete) {
		t.Errorf("stream err = %v, want incomplete", streamErr)
	}
}

func TestMapAnthropicStop(t *testing.T) {
	tests := map[string]domain.StopReason{
		"end_turn":      domain.StopEndTurn,
		"tool_use":      domain.StopToolUse,
		"max_tokens":    domain.StopMaxTokens,
		"stop_sequence": domain.StopSequence,
		"refusal":       domain.StopUnknown,
	}
	for in, want := range tests {
		if got := mapAnthropicStop(in); got != want {
			t.Errorf("mapAnthropicStop(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAnthropicInvalidToolSchema(t *testing.T) {
	p := newAnthropicTestProvider("http://127.0.0.1:0")
	_, err := p.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{domain.NewUserMessage("hi")},
		Tools:    []domain.ToolSchema{{Name: "broken", Parameters: json.RawMessage(`not json`)}},
	})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected schema error naming the tool, got %v", err)
	}
}
