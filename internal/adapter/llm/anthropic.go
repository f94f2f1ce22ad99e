package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
	"lorekeeper/internal/infra/tracer"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

var _ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)

// AnthropicProvider streams model turns from the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	model  string
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
// SDK-level retries are disabled; the conversation driver owns retry policy.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicProvider{
		name:   name,
		model:  model,
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Name implements domain.StreamingLLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// ChatStream implements domain.StreamingLLMProvider. Errors that happen
// before the first stream event (auth, rate limit, overload) are returned
// directly; later failures arrive as a delta carrying Err.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err == nil {
			err = domain.ErrStreamIncomplete
		}
		return nil, p.wrapError(ctx, err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go p.consume(ctx, string(params.Model), stream, ch)
	return ch, nil
}

// consume drains a stream whose first event has already been read.
func (p *AnthropicProvider) consume(ctx context.Context, model string, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- domain.StreamDelta) {
	defer close(ch)
	defer stream.Close()

	_, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", model),
		),
	)
	defer span.End()

	var msg anthropic.Message
	for more := true; more; more = stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			err = fmt.Errorf("%w: accumulate: %v", domain.ErrProviderError, err)
			tracer.RecordError(span, err)
			sendDelta(ctx, ch, domain.StreamDelta{Err: err})
			return
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if td, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
				if !sendDelta(ctx, ch, domain.StreamDelta{Text: td.Text}) {
					return
				}
			}
		case anthropic.MessageStopEvent:
			resp := fromAnthropicMessage(&msg)
			setUsageAttrs(span, resp.Usage)
			tracer.SetOK(span)
			logChatCompleted(p.logger, p.name, resp)
			sendDelta(ctx, ch, domain.StreamDelta{Done: true, Response: resp})
			return
		}
	}

	err := stream.Err()
	if err == nil {
		err = domain.ErrStreamIncomplete
	}
	err = p.wrapError(ctx, err)
	tracer.RecordError(span, err)
	sendDelta(ctx, ch, domain.StreamDelta{Err: err})
}

func (p *AnthropicProvider) buildParams(req domain.ChatRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}

	if req.System != "" {
		sys := anthropic.TextBlockParam{Text: req.System}
		if req.Cache.System {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		if req.Cache.Tools {
			tools[len(tools)-1].OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.Tools = tools
	}

	if req.Cache.History && len(params.Messages) > 0 {
		last := &params.Messages[len(params.Messages)-1]
		if n := len(last.Content); n > 0 {
			markCacheable(&last.Content[n-1])
		}
	}

	return params, nil
}

// markCacheable puts an ephemeral cache breakpoint on a history block.
func markCacheable(b *anthropic.ContentBlockParamUnion) {
	cc := anthropic.NewCacheControlEphemeralParam()
	switch {
	case b.OfText != nil:
		b.OfText.CacheControl = cc
	case b.OfToolUse != nil:
		b.OfToolUse.CacheControl = cc
	case b.OfToolResult != nil:
		b.OfToolResult.CacheControl = cc
	}
}

func toAnthropicMessages(msgs []domain.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case domain.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case domain.BlockToolUse:
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case domain.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == domain.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(schemas []domain.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(s.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, s.Name)
		tool.OfTool.Description = anthropic.String(s.Description)
		out = append(out, tool)
	}
	return out, nil
}

// fromAnthropicMessage reads the accumulated union fields directly; they
// carry the tool input assembled from the streamed JSON fragments.
func fromAnthropicMessage(msg *anthropic.Message) *domain.ChatResponse {
	resp := &domain.ChatResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: mapAnthropicStop(string(msg.StopReason)),
		Usage: domain.Usage{
			Input:         int(msg.Usage.InputTokens),
			Output:        int(msg.Usage.OutputTokens),
			CacheRead:     int(msg.Usage.CacheReadInputTokens),
			CacheCreation: int(msg.Usage.CacheCreationInputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, domain.TextBlock(block.Text))
		case "tool_use":
			input := append(json.RawMessage(nil), block.Input...)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.Content = append(resp.Content, domain.ToolUseBlock(block.ID, block.Name, input))
		}
	}
	return resp
}

func mapAnthropicStop(reason string) domain.StopReason {
	switch reason {
	case "end_turn":
		return domain.StopEndTurn
	case "tool_use":
		return domain.StopToolUse
	case "max_tokens":
		return domain.StopMaxTokens
	case "stop_sequence":
		return domain.StopSequence
	default:
		return domain.StopUnknown
	}
}

// wrapError maps SDK errors onto domain sentinels.
func (p *AnthropicProvider) wrapError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", p.name, mapHTTPError(apiErr.StatusCode, apiErr.RawJSON()))
	}
	if errors.Is(err, domain.ErrStreamIncomplete) {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	// Errors delivered as SSE "error" events carry the error type in the text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "overloaded_error"), strings.Contains(msg, "api_error"):
		return fmt.Errorf("%s: %w: %s", p.name, domain.ErrProviderUnavailable, msg)
	case strings.Contains(msg, "rate_limit_error"):
		return fmt.Errorf("%s: %w: %s", p.name, domain.ErrRateLimit, msg)
	}
	return fmt.Errorf("%s: %w", p.name, mapTransportError(ctx, err))
}
