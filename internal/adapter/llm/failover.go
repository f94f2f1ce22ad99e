package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lorekeeper/internal/domain"
)

var _ domain.StreamingLLMProvider = (*FailoverProvider)(nil)

// FailoverProvider wraps a primary provider with fallback providers.
// If the primary cannot open a stream, each fallback is tried in order.
type FailoverProvider struct {
	primary   domain.StreamingLLMProvider
	fallbacks []domain.StreamingLLMProvider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary domain.StreamingLLMProvider, fallbacks []domain.StreamingLLMProvider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// ChatStream tries the primary, then each fallback. Only setup errors fail
// over: once a stream is open its deltas may already have reached the user.
// The returned error joins every attempt so callers can still classify it.
func (f *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for i, p := range append([]domain.StreamingLLMProvider{f.primary}, f.fallbacks...) {
		ch, err := p.ChatStream(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("streaming failover succeeded", "provider", p.Name())
			}
			return ch, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil || !failoverWorthy(err) {
			break
		}
		f.logger.Warn("llm provider failed, trying next", "provider", p.Name(), "error", err)
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// failoverWorthy reports whether another backend might succeed where this
// one failed. Requests that are too large fail everywhere.
func failoverWorthy(err error) bool {
	return !errors.Is(err, domain.ErrContextOverflow) && !errors.Is(err, domain.ErrInvalidInput)
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}
