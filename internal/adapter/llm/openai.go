package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
	"lorekeeper/internal/infra/tracer"
)

const defaultOpenAIModel = "gpt-4o"

var _ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)

// OpenAIProvider streams model turns from any OpenAI-compatible chat
// completions API.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		clientCfg.BaseURL = base
	}
	clientCfg.HTTPClient = NewHTTPClient(cfg)

	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIProvider{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}
}

// Name implements domain.StreamingLLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// ChatStream implements domain.StreamingLLMProvider.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	oaiReq := p.toOpenAIRequest(req)

	stream, err := p.client.CreateChatCompletionStream(ctx, oaiReq)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go p.consume(ctx, oaiReq.Model, stream, ch)
	return ch, nil
}

// pendingCall is a tool call assembled from indexed stream fragments.
type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (p *OpenAIProvider) consume(ctx context.Context, model string, stream *openai.ChatCompletionStream, ch chan<- domain.StreamDelta) {
	defer close(ch)
	defer stream.Close()

	_, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", model),
		),
	)
	defer span.End()

	resp := &domain.ChatResponse{Model: model}
	var text strings.Builder
	var finish openai.FinishReason
	calls := map[int]*pendingCall{}

	fail := func(err error) {
		tracer.RecordError(span, err)
		sendDelta(ctx, ch, domain.StreamDelta{Err: err})
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(p.wrapError(ctx, err))
			return
		}

		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.Usage = fromOpenAIUsage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if d := choice.Delta.Content; d != "" {
			text.WriteString(d)
			if !sendDelta(ctx, ch, domain.StreamDelta{Text: d}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc := calls[idx]
			if pc == nil {
				pc = &pendingCall{index: idx}
				calls[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}

	if finish == "" {
		fail(fmt.Errorf("%s: %w", p.name, domain.ErrStreamIncomplete))
		return
	}

	if text.Len() > 0 {
		resp.Content = append(resp.Content, domain.TextBlock(text.String()))
	}
	ordered := make([]*pendingCall, 0, len(calls))
	for _, pc := range calls {
		ordered = append(ordered, pc)
	}
	slices.SortFunc(ordered, func(a, b *pendingCall) int { return a.index - b.index })
	for _, pc := range ordered {
		args := json.RawMessage(pc.args.String())
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		resp.Content = append(resp.Content, domain.ToolUseBlock(pc.id, pc.name, args))
	}
	resp.StopReason = mapOpenAIFinish(finish)

	setUsageAttrs(span, resp.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, resp)
	sendDelta(ctx, ch, domain.StreamDelta{Done: true, Response: resp})
}

func (p *OpenAIProvider) toOpenAIRequest(req domain.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	oaiReq := openai.ChatCompletionRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		Messages:      toOpenAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, s := range req.Tools {
		oaiReq.Tools = append(oaiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return oaiReq
}

// toOpenAIMessages flattens block content into chat messages. Tool results
// become one "tool" message each, placed ahead of any user text in the turn.
func toOpenAIMessages(system string, msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			am := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
			for _, tu := range m.ToolUses() {
				am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
					ID:   tu.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tu.Name,
						Arguments: string(tu.Input),
					},
				})
			}
			out = append(out, am)
			continue
		}

		for _, tr := range m.ToolResults() {
			content := tr.Content
			if tr.IsError && !strings.HasPrefix(content, "[error]") {
				content = "[error] " + content
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: tr.ToolUseID,
			})
		}
		if text := m.Text(); text != "" {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
		}
	}
	return out
}

// fromOpenAIUsage reports cached prompt tokens as cache reads and excludes
// them from Input, matching how Anthropic counts.
func fromOpenAIUsage(u *openai.Usage) domain.Usage {
	usage := domain.Usage{Input: u.PromptTokens, Output: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		usage.CacheRead = u.PromptTokensDetails.CachedTokens
		usage.Input -= usage.CacheRead
	}
	return usage
}

func mapOpenAIFinish(reason openai.FinishReason) domain.StopReason {
	switch reason {
	case openai.FinishReasonStop:
		return domain.StopEndTurn
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return domain.StopToolUse
	case openai.FinishReasonLength:
		return domain.StopMaxTokens
	default:
		return domain.StopUnknown
	}
}

// wrapError maps go-openai errors onto domain sentinels.
func (p *OpenAIProvider) wrapError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", p.name, mapHTTPError(apiErr.HTTPStatusCode, apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return fmt.Errorf("%s: %w", p.name, mapHTTPError(reqErr.HTTPStatusCode, reqErr.Error()))
	}
	return fmt.Errorf("%s: %w", p.name, mapTransportError(ctx, err))
}
