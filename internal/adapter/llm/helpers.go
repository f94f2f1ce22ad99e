package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/config"
	"lorekeeper/internal/infra/tracer"
)

const (
	defaultMaxTokens = 4096

	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second

	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewHTTPClient creates an *http.Client with a pooled transport and timeout
// defaults suitable for model APIs. The SDK clients are built on top of it.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	connTimeout := orDefault(cfg.ConnTimeout, defaultConnTimeout)
	respTimeout := orDefault(cfg.RespTimeout, defaultRespTimeout)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          orDefault(cfg.Pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost:   orDefault(cfg.Pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:       orDefault(cfg.Pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:       orDefault(cfg.Pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:     true,
	}
	// Streams are bounded by the request ctx, not a client timeout.
	return &http.Client{Transport: transport}
}

// orDefault returns v when positive, otherwise def.
func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// mapHTTPError maps an HTTP status code and response body onto the domain
// sentinels the error classifier, circuit breaker and failover rely on.
func mapHTTPError(statusCode int, body string) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, strings.TrimSpace(body))

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge || isOverflowMessage(body):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		// 529 is Anthropic's "overloaded".
		return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, detail)
	case statusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

func isOverflowMessage(body string) bool {
	s := strings.ToLower(body)
	return strings.Contains(s, "prompt is too long") ||
		strings.Contains(s, "context_length_exceeded") ||
		strings.Contains(s, "maximum context length")
}

// mapTransportError maps errors that never produced an HTTP status. Context
// errors pass through untouched so the caller can tell cancellation apart.
func mapTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return err
}

// logChatCompleted logs the standard debug message after a finished turn.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm turn completed",
		"provider", providerName,
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.Input,
		"output_tokens", result.Usage.Output,
		"cache_read_tokens", result.Usage.CacheRead,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.input_tokens", usage.Input),
		tracer.IntAttr("llm.output_tokens", usage.Output),
		tracer.IntAttr("llm.cache_read_tokens", usage.CacheRead),
		tracer.IntAttr("llm.cache_creation_tokens", usage.CacheCreation),
	)
}

// sendDelta delivers d unless ctx is done first.
func sendDelta(ctx context.Context, ch chan<- domain.StreamDelta, d domain.StreamDelta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
