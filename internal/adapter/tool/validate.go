package tool

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"lorekeeper/internal/domain"
)

// FieldError reports an invalid tool argument. It matches
// domain.ErrInvalidInput so callers can tell argument mistakes from
// backend failures.
type FieldError struct {
	Field string
	msg   string
}

func (e *FieldError) Error() string { return e.msg }
func (e *FieldError) Unwrap() error { return domain.ErrInvalidInput }

func fieldErrorf(field, format string, args ...any) error {
	return &FieldError{Field: field, msg: fmt.Sprintf(format, args...)}
}

// RequireField fails when value is empty or only whitespace.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fieldErrorf(name, "'%s' is required", name)
	}
	return nil
}

// RequireFields checks several required fields given as name, value pairs.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for i := 0; i < len(kvs); i += 2 {
		if err := RequireField(kvs[i], kvs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEnum checks that value is one of allowed. Empty means "not set"
// and passes.
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" || slices.Contains(allowed, value) {
		return nil
	}
	return fieldErrorf(name, "invalid %s %q (want: %s)", name, value, joinComma(allowed))
}

// ValidateAll returns the first non-nil error.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateMaxLength limits value to max characters. Reasoning and field
// text are often non-ASCII, so runes are counted rather than bytes.
func ValidateMaxLength(name, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return fieldErrorf(name, "%s exceeds maximum length of %d characters", name, max)
	}
	return nil
}

var labelRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateLabel checks that value is a snake_case identifier such as a
// relationship label or a field name.
func ValidateLabel(name, value string) error {
	if !labelRegex.MatchString(value) {
		return fieldErrorf(name, "invalid %s %q: use lowercase snake_case", name, value)
	}
	return nil
}
