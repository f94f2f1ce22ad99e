package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Prefer these with NewDomainError over ad-hoc strings.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrMaxIterations    = fmt.Errorf("max iterations reached")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrToolFailure      = fmt.Errorf("tool execution failed")

	// Streaming channel errors.
	ErrAborted          = fmt.Errorf("request aborted")
	ErrStructuredOutput = fmt.Errorf("structured output invalid")
	ErrStreamIncomplete = fmt.Errorf("stream ended without final message")

	// Proposal lifecycle errors.
	ErrProposalResolved = fmt.Errorf("proposal already resolved")

	// Session errors.
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrSessionBusy     = fmt.Errorf("session has a run in progress")

	// Resilience errors.
	ErrContextOverflow     = fmt.Errorf("context window exceeded")
	ErrRateLimit           = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid         = fmt.Errorf("authentication failed")
	ErrProviderUnavailable = fmt.Errorf("provider unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrStructuredOutput)
}

// ErrorCode is a machine-parseable error category for callers and logs.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeLimitReached        ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure         ErrorCode = "TOOL_FAILURE"
	CodeMaxIterations       ErrorCode = "MAX_ITERATIONS"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeAborted             ErrorCode = "ABORTED"
	CodeStructuredOutput    ErrorCode = "STRUCTURED_OUTPUT"
	CodeStreamIncomplete    ErrorCode = "STREAM_INCOMPLETE"
	CodeProposalResolved    ErrorCode = "PROPOSAL_RESOLVED"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionBusy         ErrorCode = "SESSION_BUSY"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their codes. Specific sentinels are
// listed in errorCodeOrder ahead of the categories so that chains wrapping
// both resolve to the specific one.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrDuplicate:           CodeDuplicate,
	ErrTimeout:             CodeTimeout,
	ErrLimitReached:        CodeLimitReached,
	ErrPermissionDenied:    CodePermissionDenied,
	ErrInvalidInput:        CodeInvalidInput,
	ErrProviderError:       CodeProviderError,
	ErrProviderNotFound:    CodeProviderNotFound,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolFailure:         CodeToolFailure,
	ErrMaxIterations:       CodeMaxIterations,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrAborted:             CodeAborted,
	ErrStructuredOutput:    CodeStructuredOutput,
	ErrStreamIncomplete:    CodeStreamIncomplete,
	ErrProposalResolved:    CodeProposalResolved,
	ErrSessionNotFound:     CodeSessionNotFound,
	ErrSessionBusy:         CodeSessionBusy,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrProviderUnavailable: CodeProviderUnavailable,
}

var errorCodeOrder = []error{
	ErrProviderNotFound, ErrToolNotFound, ErrToolFailure, ErrMaxIterations,
	ErrConfigLoad, ErrDecryption, ErrAborted, ErrStructuredOutput,
	ErrStreamIncomplete, ErrProposalResolved, ErrSessionNotFound,
	ErrSessionBusy, ErrContextOverflow,
	ErrRateLimit, ErrAuthInvalid, ErrProviderUnavailable,
	ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached,
	ErrPermissionDenied, ErrInvalidInput, ErrProviderError,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range errorCodeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
