package tool

import (
	"errors"
	"strings"

	"lorekeeper/internal/domain"
)

// Hints appended to failed tool results so the model knows how to react.
const (
	hintTransient = "transient error, may succeed on retry"
	hintNotFound  = "look the entity up with search_entities before using its id"
	hintArguments = "fix the arguments and call the tool again"
	hintReviewed  = "the user has already reviewed this proposal"
)

var transientSentinels = []error{
	domain.ErrTimeout,
	domain.ErrProviderError,
	domain.ErrProviderUnavailable,
	domain.ErrRateLimit,
}

// Lowercase substrings of driver and network errors that clear on their own.
var transientPatterns = []string{
	"database is locked",
	"sqlite_busy",
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"try again",
}

// errorHint picks the hint for a handler error, or "" when none applies.
// Transient failures win over the other categories.
func errorHint(err error) string {
	if err == nil {
		return ""
	}
	if isTransient(err) {
		return hintTransient
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return hintNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrDuplicate):
		return hintArguments
	case errors.Is(err, domain.ErrProposalResolved):
		return hintReviewed
	}
	return ""
}

func isTransient(err error) bool {
	for _, sentinel := range transientSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// describeToolError renders a handler error as failed-result content.
func describeToolError(err error) string {
	content := err.Error()
	if hint := errorHint(err); hint != "" {
		content += " (" + hint + ")"
	}
	return content
}
