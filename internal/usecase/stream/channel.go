// Package stream wraps one streaming model turn in a cancellable channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"lorekeeper/internal/domain"
)

const defaultEventBuffer = 64

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithEventBuffer sets how many text events may queue before the producer
// waits for the consumer.
func WithEventBuffer(n int) Option {
	return func(c *Channel) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// Channel is one in-flight model turn. Text deltas arrive on Events; the
// assembled turn comes from FinalMessage. The goroutine that feeds the
// channel exits when the turn ends, fails or is aborted.
type Channel struct {
	events  chan domain.StreamEvent
	done    chan struct{}
	cancel  context.CancelCauseFunc
	aborted atomic.Bool
	drain   sync.Once

	logger *slog.Logger
	buffer int
	schema *outputSchema

	// Written by run before done is closed.
	resp *domain.ChatResponse
	err  error
}

// Open starts a model turn. ctx is the cancellation token for the whole turn:
// cancelling it is equivalent to calling Abort.
func Open(ctx context.Context, provider domain.StreamingLLMProvider, req domain.ChatRequest, opts ...Option) *Channel {
	c := &Channel{
		done:   make(chan struct{}),
		logger: slog.Default(),
		buffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan domain.StreamEvent, c.buffer)

	ctx, c.cancel = context.WithCancelCause(ctx)

	if len(req.OutputSchema) > 0 {
		s, err := compileOutputSchema(req.OutputSchema)
		if err != nil {
			c.err = err
			c.cancel(nil)
			close(c.events)
			close(c.done)
			return c
		}
		c.schema = s
		req.System = withStructuredInstruction(req.System, req.OutputSchema)
	}

	go c.run(ctx, provider, req)
	return c
}

// Events returns text deltas in arrival order. The channel is closed when
// the turn ends for any reason.
func (c *Channel) Events() <-chan domain.StreamEvent { return c.events }

// FinalMessage blocks until the turn is over and returns the assembled
// response. Events the caller has not consumed are discarded.
func (c *Channel) FinalMessage() (*domain.ChatResponse, error) {
	c.drain.Do(func() {
		for range c.events {
		}
	})
	<-c.done

	if c.aborted.Load() {
		return nil, domain.ErrAborted
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

// Abort cancels the turn. Pending and later FinalMessage calls report
// domain.ErrAborted. Safe to call more than once and after completion.
func (c *Channel) Abort() {
	c.aborted.Store(true)
	c.cancel(domain.ErrAborted)
}

// Done is closed when the producing goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) run(ctx context.Context, provider domain.StreamingLLMProvider, req domain.ChatRequest) {
	defer close(c.done)
	defer close(c.events)
	defer c.cancel(nil)

	deltas, err := provider.ChatStream(ctx, req)
	if err != nil {
		c.err = c.classify(ctx, err)
		return
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			c.err = contextErr(ctx)
			return
		case d, ok := <-deltas:
			if !ok {
				c.err = fmt.Errorf("%s: %w", provider.Name(), domain.ErrStreamIncomplete)
				return
			}
			if d.Err != nil {
				c.err = c.classify(ctx, d.Err)
				return
			}
			if d.Text != "" {
				text.WriteString(d.Text)
				select {
				case c.events <- domain.StreamEvent{Type: domain.StreamEventText, Text: d.Text}:
				case <-ctx.Done():
					c.err = contextErr(ctx)
					return
				}
			}
			if d.Done {
				c.finish(d.Response, text.String())
				return
			}
		}
	}
}

func (c *Channel) finish(resp *domain.ChatResponse, text string) {
	if resp == nil {
		c.err = domain.ErrStreamIncomplete
		return
	}
	if c.schema != nil && len(resp.Message().ToolUses()) == 0 {
		if text == "" {
			text = responseText(resp)
		}
		structured, err := c.schema.parse(text)
		if err != nil {
			c.logger.Debug("structured output rejected", "error", err)
			c.err = err
			return
		}
		resp.Structured = structured
	}
	c.resp = resp
}

// classify maps a provider error, preferring the channel's own cancellation
// state when the error was caused by it.
func (c *Channel) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return contextErr(ctx)
	}
	return err
}

func contextErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrAborted):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("model turn: %w", domain.ErrTimeout)
	default:
		return fmt.Errorf("%w: %v", domain.ErrAborted, cause)
	}
}

func responseText(resp *domain.ChatResponse) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == domain.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
