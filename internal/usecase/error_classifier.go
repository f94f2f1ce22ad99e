package usecase

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"lorekeeper/internal/domain"
)

// ErrorCategory indicates whether an error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors
	ErrorCategoryPermanent               // 401, 403, 400, cancellation, malformed
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// Retryable reports whether another attempt may succeed.
func (c ClassifiedError) Retryable() bool { return c.Category == ErrorCategoryRetryable }

// ErrorClassifier analyzes model backend errors and categorizes them.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the LLM adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects an error from a model turn and returns a ClassifiedError
// with category and mapped sentinel.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if sentinel := c.classifyBySentinel(err); sentinel.Category != ErrorCategoryUnknown {
		return sentinel
	}

	errStr := err.Error()

	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}

	return c.classifyByString(err, errStr)
}

// classifyBySentinel checks if the error wraps a known domain sentinel.
// Cancellation and structured-output failures are never transient: the
// former must stop the run, the latter has its own retry budget.
func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	for _, s := range []error{domain.ErrAborted, domain.ErrTimeout, domain.ErrStructuredOutput,
		domain.ErrAuthInvalid, domain.ErrContextOverflow, domain.ErrInvalidInput} {
		if errors.Is(err, s) {
			return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: s}
		}
	}
	for _, s := range []error{domain.ErrRateLimit, domain.ErrProviderUnavailable, domain.ErrStreamIncomplete} {
		if errors.Is(err, s) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: s}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit, StatusCode: code,
		}
	case code == 401 || code == 403:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid, StatusCode: code,
		}
	case code == 408 || code == 529 || (code >= 500 && code < 600):
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrProviderUnavailable, StatusCode: code,
		}
	default:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent, StatusCode: code,
		}
	}
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrRateLimit,
			}
		}
	}

	for _, p := range []string{"context length", "token limit", "maximum context"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryPermanent,
				Sentinel: domain.ErrContextOverflow,
			}
		}
	}

	for _, p := range []string{
		"connection refused", "no such host", "connection reset",
		"overloaded", "unexpected eof",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Sentinel: domain.ErrProviderUnavailable,
			}
		}
	}

	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
