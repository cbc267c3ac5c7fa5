package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema used for documents that do not map onto a
// Go struct cleanly, such as configuration files and third-party callbacks.
type Schema struct {
	schema *gojsonschema.Schema
}

// CompileSchema parses a JSON Schema document.
func CompileSchema(raw []byte) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile json schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// MustCompileSchema is CompileSchema for schemas embedded in the binary.
func MustCompileSchema(raw []byte) *Schema {
	s, err := CompileSchema(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks doc against the schema. A document that is not valid JSON
// yields a plain error; schema violations yield a *SchemaError.
func (s *Schema) Validate(doc []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate json document: %w", err)
	}
	if result.Valid() {
		return nil
	}
	return &SchemaError{violations: result.Errors()}
}

// SchemaError lists the schema violations of a document.
type SchemaError struct {
	violations []gojsonschema.ResultError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.violations))
	for _, v := range e.violations {
		msgs = append(msgs, v.String())
	}
	return strings.Join(msgs, "; ")
}

// Fields maps each offending field path to its first violation.
func (e *SchemaError) Fields() map[string]string {
	fields := make(map[string]string, len(e.violations))
	for _, v := range e.violations {
		field := v.Field()
		if field == "(root)" {
			if p, ok := v.Details()["property"].(string); ok {
				field = p
			}
		}
		if _, seen := fields[field]; !seen {
			fields[field] = v.Description()
		}
	}
	return fields
}

// FieldNames returns the offending field paths in sorted order.
func (e *SchemaError) FieldNames() []string {
	f := e.Fields()
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
