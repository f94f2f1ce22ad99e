package stream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/schema"
)

// StructuredOutputError reports a final answer that is not valid JSON or
// does not match the requested schema. It matches domain.ErrStructuredOutput.
type StructuredOutputError struct {
	Raw    string
	Reason string
}

func (e *StructuredOutputError) Error() string {
	return "structured output: " + e.Reason
}

func (e *StructuredOutputError) Unwrap() error { return domain.ErrStructuredOutput }

type outputSchema struct {
	schema *schema.Schema
}

func compileOutputSchema(raw json.RawMessage) (*outputSchema, error) {
	s, err := schema.Compile(raw)
	if err != nil {
		return nil, domain.NewDomainError("stream.Open", domain.ErrInvalidInput, fmt.Sprintf("output schema: %v", err))
	}
	return &outputSchema{schema: s}, nil
}

// parse extracts the JSON answer from model text and validates it.
func (s *outputSchema) parse(text string) (json.RawMessage, error) {
	raw := StripCodeFences(text)
	if raw == "" {
		return nil, &StructuredOutputError{Raw: text, Reason: "empty answer"}
	}

	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, &StructuredOutputError{Raw: text, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := s.schema.Validate(data); err != nil {
		return nil, &StructuredOutputError{Raw: text, Reason: fmt.Sprintf("schema mismatch:\n%v", err)}
	}

	compact, err := json.Marshal(data)
	if err != nil {
		return nil, &StructuredOutputError{Raw: text, Reason: err.Error()}
	}
	return compact, nil
}

var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// StripCodeFences removes a markdown code fence wrapping the whole text.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func withStructuredInstruction(system string, schema json.RawMessage) string {
	instr := "Respond with a single JSON value that matches this JSON Schema, and nothing else:\n" + string(schema)
	if system == "" {
		return instr
	}
	return system + "\n\n" + instr
}
