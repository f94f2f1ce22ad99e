package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/tracer"
	"lorekeeper/internal/usecase/stream"
)

const (
	defaultMaxIterations = 10
	defaultLLMRetries    = 2
	baseRetryDelay       = 500 * time.Millisecond
	maxRetryDelay        = 10 * time.Second

	skippedToolContent = "[cancelled] tool call was not executed"
)

// ToolsetFactory builds the tool executor for one session. It is called once
// per session, on its first run.
type ToolsetFactory func(s *Session) (domain.ToolExecutor, error)

// AgentDeps holds all dependencies for the Agent.
type AgentDeps struct {
	LLM             domain.StreamingLLMProvider
	Tools           ToolsetFactory
	ContextBuilder  *ContextBuilder
	Bus             domain.EventBus  // optional
	ErrorClassifier *ErrorClassifier // optional; nil disables transient retries
	Logger          *slog.Logger
	MaxIterations   int
	LLMRetries      int           // transient retries per model turn
	RetryBaseDelay  time.Duration // first backoff delay, doubled per retry
	Timeout         time.Duration // 0 = no run deadline
	StreamBuffer    int
}

// RunRequest is one user input to drive to completion.
type RunRequest struct {
	Session      *Session
	Input        string
	Page         *domain.PageContext
	OutputSchema json.RawMessage

	// Callbacks are invoked synchronously from the run goroutine.
	OnDelta    func(text string)
	OnUsage    func(increment domain.Usage)
	OnProgress func(domain.ProgressEvent)
}

// RunResult is the terminal state of a run. Run always returns one.
type RunResult struct {
	Completed  bool              `json:"completed"`
	Cancelled  bool              `json:"cancelled"`
	Response   string            `json:"response"`
	StopReason domain.StopReason `json:"stop_reason,omitempty"`
	Iterations int               `json:"iterations"`
	Usage      domain.Usage      `json:"usage"`
	WorkItems  []domain.WorkItem `json:"work_items,omitempty"`
	Messages   []domain.Message  `json:"messages"` // turns appended by this run
	Structured json.RawMessage   `json:"structured,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  domain.ErrorCode  `json:"error_code,omitempty"`
	Err        error             `json:"-"`
}

func (r *RunResult) fail(err error) *RunResult {
	r.Completed = false
	r.Err = err
	r.Error = err.Error()
	r.ErrorCode = domain.ErrorCodeOf(err)
	return r
}

func (r *RunResult) cancel(partial string) *RunResult {
	r.Completed = false
	r.Cancelled = true
	if partial != "" {
		r.Response = partial
	}
	return r
}

// Agent drives the model/tool loop for one user input at a time per session.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates a new Agent.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.LLMRetries < 0 {
		deps.LLMRetries = 0
	}
	if deps.RetryBaseDelay <= 0 {
		deps.RetryBaseDelay = baseRetryDelay
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ContextBuilder == nil {
		deps.ContextBuilder = NewContextBuilder(ContextConfig{})
	}
	return &Agent{deps: deps}
}

// Run appends req.Input to the session and alternates model turns and tool
// calls until the model answers, the run is cancelled through ctx, or the
// iteration cap is hit. Failures are reported in the result, never raised.
func (a *Agent) Run(ctx context.Context, req RunRequest) (res *RunResult) {
	res = &RunResult{}
	s := req.Session
	if s == nil {
		return res.fail(domain.NewDomainError("Agent.Run", domain.ErrInvalidInput, "session is required"))
	}
	if strings.TrimSpace(req.Input) == "" {
		return res.fail(domain.NewDomainError("Agent.Run", domain.ErrInvalidInput, "input is empty"))
	}
	release, err := s.tryAcquire()
	if err != nil {
		return res.fail(err)
	}
	defer release()

	if a.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.Timeout)
		defer cancel()
	}

	ctx, span := tracer.StartSpan(ctx, "agent.run",
		trace.WithAttributes(tracer.StringAttr("session.id", s.ID)))
	defer span.End()

	tc := domain.ToolContext{CollectionID: s.CollectionID, Page: req.Page}
	ctx = domain.ContextWithSessionID(ctx, s.ID)
	ctx = domain.ContextWithToolContext(ctx, tc)

	start := s.Len()
	defer func() {
		if p := recover(); p != nil {
			a.deps.Logger.Error("run panicked", "session_id", s.ID, "panic", p, "stack", string(debug.Stack()))
			res.fail(fmt.Errorf("internal error: %v", p))
		}
		res.Messages = s.Messages()[start:]
		if s.WorkItems != nil {
			res.WorkItems = s.WorkItems.List()
		}
		a.finishRun(ctx, span, s.ID, res)
	}()

	a.publishEvent(ctx, domain.EventRunStarted, s.ID, nil)
	s.AddMessage(domain.NewUserMessage(req.Input))

	tools, err := a.toolset(s)
	if err != nil {
		return res.fail(fmt.Errorf("build toolset: %w", err))
	}

	for iter := 1; iter <= a.deps.MaxIterations; iter++ {
		if err := runCtxErr(ctx); err != nil {
			if errors.Is(err, domain.ErrAborted) {
				return res.cancel("")
			}
			return res.fail(err)
		}
		res.Iterations = iter

		chatReq := a.deps.ContextBuilder.Build(s.Messages(), tc, tools.Schemas(), req.OutputSchema)
		resp, partial, err := a.callModel(ctx, s.ID, iter, chatReq, req.OnDelta)
		if err != nil {
			if errors.Is(err, domain.ErrAborted) {
				return res.cancel(partial)
			}
			return res.fail(err)
		}

		res.Usage.Add(resp.Usage)
		if req.OnUsage != nil {
			req.OnUsage(resp.Usage)
		}

		msg := resp.Message()
		s.AddMessage(msg)
		res.StopReason = resp.StopReason
		if text := msg.Text(); text != "" {
			res.Response = text
		}

		uses := msg.ToolUses()
		if len(uses) == 0 {
			if resp.StopReason != domain.StopEndTurn {
				a.deps.Logger.Warn("model turn ended without tool calls",
					"session_id", s.ID, "stop_reason", resp.StopReason)
			}
			res.Completed = true
			res.Response = msg.Text()
			res.Structured = resp.Structured
			return res
		}

		results, err := a.runTools(ctx, s.ID, iter, tools, uses, req.OnProgress)
		s.AddMessage(domain.Message{Role: domain.RoleUser, Content: results})
		if err != nil {
			if errors.Is(err, domain.ErrAborted) {
				return res.cancel("")
			}
			return res.fail(err)
		}
	}

	return res.fail(fmt.Errorf("%w (%d)", domain.ErrMaxIterations, a.deps.MaxIterations))
}

func (a *Agent) toolset(s *Session) (domain.ToolExecutor, error) {
	if s.tools != nil {
		return s.tools, nil
	}
	if a.deps.Tools == nil {
		return nil, errors.New("no toolset factory configured")
	}
	t, err := a.deps.Tools(s)
	if err != nil {
		return nil, err
	}
	s.tools = t
	return t, nil
}

func (a *Agent) finishRun(ctx context.Context, span trace.Span, sessionID string, res *RunResult) {
	span.SetAttributes(tracer.IntAttr("run.iterations", res.Iterations))
	payload := domain.RunPayload{Iterations: res.Iterations, Usage: res.Usage, Error: res.Error}

	switch {
	case res.Cancelled:
		a.deps.Logger.Info("run cancelled", "session_id", sessionID, "iterations", res.Iterations)
		a.publishEvent(ctx, domain.EventRunCancelled, sessionID, payload)
	case res.Err != nil:
		tracer.RecordError(span, res.Err)
		a.deps.Logger.Warn("run failed", "session_id", sessionID,
			"iterations", res.Iterations, "error", res.Err)
		a.publishEvent(ctx, domain.EventRunCompleted, sessionID, payload)
	default:
		tracer.SetOK(span)
		a.deps.Logger.Info("run completed", "session_id", sessionID,
			"iterations", res.Iterations, "input_tokens", res.Usage.Input, "output_tokens", res.Usage.Output)
		a.publishEvent(ctx, domain.EventRunCompleted, sessionID, payload)
	}
}

// callModel runs one model turn. A structured-output failure is retried once;
// transient backend errors are retried with backoff as long as no text has
// reached the caller yet. The returned string is the text streamed by the
// last attempt, kept for cancellation.
func (a *Agent) callModel(
	ctx context.Context,
	sessionID string,
	iteration int,
	req domain.ChatRequest,
	onDelta func(string),
) (*domain.ChatResponse, string, error) {
	structuredRetried := false
	transient := 0

	for attempt := 1; ; attempt++ {
		a.publishEvent(ctx, domain.EventLLMCallStarted, sessionID,
			domain.LLMCallPayload{Iteration: iteration, Attempt: attempt})

		resp, text, forwarded, err := a.streamTurn(ctx, req, onDelta)
		if err == nil {
			a.publishEvent(ctx, domain.EventLLMCallCompleted, sessionID, domain.LLMCallPayload{
				Iteration: iteration, Attempt: attempt, StopReason: resp.StopReason, Usage: &resp.Usage,
			})
			return resp, text, nil
		}
		a.publishEvent(ctx, domain.EventLLMCallFailed, sessionID, domain.LLMCallPayload{
			Iteration: iteration, Attempt: attempt, Error: err.Error(),
		})

		if errors.Is(err, domain.ErrAborted) || errors.Is(err, domain.ErrTimeout) {
			return nil, text, err
		}

		if errors.Is(err, domain.ErrStructuredOutput) {
			if structuredRetried {
				return nil, text, err
			}
			structuredRetried = true
			a.deps.Logger.Info("retrying model turn after structured output failure",
				"session_id", sessionID, "iteration", iteration, "error", err)
			continue
		}

		if forwarded || a.deps.ErrorClassifier == nil || transient >= a.deps.LLMRetries {
			return nil, text, err
		}
		if !a.deps.ErrorClassifier.Classify(err).Retryable() {
			return nil, text, err
		}

		delay := retryBackoff(a.deps.RetryBaseDelay, transient)
		transient++
		a.deps.Logger.Info("retrying LLM stream after error",
			"session_id", sessionID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, "", runCtxErr(ctx)
		}
	}
}

// streamTurn opens one channel and forwards its text to onDelta.
func (a *Agent) streamTurn(
	ctx context.Context,
	req domain.ChatRequest,
	onDelta func(string),
) (resp *domain.ChatResponse, text string, forwarded bool, err error) {
	llmCtx, span := tracer.StartSpan(ctx, "agent.llm_stream",
		trace.WithAttributes(tracer.StringAttr("llm.provider", a.deps.LLM.Name())))
	defer span.End()

	opts := []stream.Option{stream.WithLogger(a.deps.Logger)}
	if a.deps.StreamBuffer > 0 {
		opts = append(opts, stream.WithEventBuffer(a.deps.StreamBuffer))
	}
	ch := stream.Open(llmCtx, a.deps.LLM, req, opts...)
	// Releases the producer if a callback panics mid-stream.
	defer ch.Abort()

	var buf strings.Builder
	for ev := range ch.Events() {
		buf.WriteString(ev.Text)
		forwarded = true
		if onDelta != nil {
			onDelta(ev.Text)
		}
	}

	resp, err = ch.FinalMessage()
	if err != nil {
		tracer.RecordError(span, err)
		return nil, buf.String(), forwarded, err
	}
	span.SetAttributes(
		tracer.StringAttr("llm.stop_reason", string(resp.StopReason)),
		tracer.IntAttr("llm.input_tokens", resp.Usage.Input),
		tracer.IntAttr("llm.output_tokens", resp.Usage.Output),
	)
	return resp, buf.String(), forwarded, nil
}

// runTools executes the tool uses of one turn in order and returns one
// result block per use. Uses skipped after cancellation get an error result
// so the turn stays well formed.
func (a *Agent) runTools(
	ctx context.Context,
	sessionID string,
	iteration int,
	tools domain.ToolExecutor,
	uses []domain.ContentBlock,
	onProgress func(domain.ProgressEvent),
) ([]domain.ContentBlock, error) {
	results := make([]domain.ContentBlock, 0, len(uses))

	for i, use := range uses {
		if err := runCtxErr(ctx); err != nil {
			for _, skipped := range uses[i:] {
				results = append(results, domain.ToolResultBlock(skipped.ID, skippedToolContent, true))
			}
			return results, err
		}

		kind := tools.Kind(use.Name)
		ev := domain.ProgressEvent{
			Phase:      domain.PhaseToolStart,
			Iteration:  iteration,
			ToolUseID:  use.ID,
			ToolName:   use.Name,
			Kind:       kind,
			Visibility: kind.Visibility(),
			Input:      use.Input,
		}
		if onProgress != nil {
			onProgress(ev)
		}
		a.publishEvent(ctx, domain.EventToolCallStarted, sessionID, domain.ToolCallPayload{
			ToolUseID: use.ID, ToolName: use.Name, Kind: kind,
		})

		toolCtx, span := tracer.StartSpan(ctx, "agent.tool_call",
			trace.WithAttributes(tracer.StringAttr("tool.name", use.Name)))
		started := time.Now()
		result := tools.Execute(toolCtx, use.Name, use.Input)
		if result == nil {
			result = &domain.ToolResult{Success: false, Content: fmt.Sprintf("tool %s returned no result", use.Name)}
		}
		if !result.Success {
			span.SetAttributes(tracer.StringAttr("tool.error", result.Content))
		}
		span.End()

		a.deps.Logger.Debug("tool call finished", "session_id", sessionID, "tool", use.Name,
			"success", result.Success, "duration", time.Since(started))

		ev.Phase = domain.PhaseToolEnd
		ev.Result = result
		if onProgress != nil {
			onProgress(ev)
		}
		a.publishEvent(ctx, domain.EventToolCallCompleted, sessionID, domain.ToolCallPayload{
			ToolUseID: use.ID, ToolName: use.Name, Kind: kind,
			Success: result.Success, Duration: time.Since(started).String(),
		})

		results = append(results, domain.ToolResultBlock(use.ID, result.Content, !result.Success))
	}
	return results, nil
}

// runCtxErr maps the state of a run's context to a terminal error, or nil
// while the run may continue.
func runCtxErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrAborted):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("run: %w", domain.ErrTimeout)
	default:
		return fmt.Errorf("%w: %v", domain.ErrAborted, cause)
	}
}

// retryBackoff returns the delay before retry number attempt (0-based).
func retryBackoff(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func (a *Agent) publishEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	publishEvent(a.deps.Bus, ctx, eventType, sessionID, payload)
}

func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}
