// Package schema compiles JSON Schemas and reports violations per field.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceName = "schema.json"

// Schema is a compiled JSON Schema.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses and compiles raw. The schema itself is checked against
// its draft's metaschema.
func Compile(raw json.RawMessage) (*Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	return &Schema{compiled: compiled}, nil
}

// ViolationError lists every constraint a value broke.
type ViolationError struct {
	// Violations holds one "- <field>: <message>" line per leaf cause.
	Violations []string
}

func (e *ViolationError) Error() string {
	return strings.Join(e.Violations, "\n")
}

// Validate checks a decoded JSON value (as produced by json.Unmarshal into
// any). It returns nil or a *ViolationError.
func (s *Schema) Validate(v any) error {
	err := s.compiled.Validate(v)
	if err == nil {
		return nil
	}
	return &ViolationError{Violations: violations(err)}
}

func violations(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{"- " + err.Error()}
	}
	var lines []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			if field == "" {
				field = "(input)"
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", field, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return lines
}
