// Package schema compiles tool input schemas and validates parameters
// against them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrInvalidSchema is returned when an input schema does not compile.
	ErrInvalidSchema = errors.New("invalid input schema")
	// ErrInvalidParams is returned when parameters fail their schema.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Schema is a compiled input schema. A nil *Schema accepts everything.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile compiles an input schema. An empty schema compiles to nil.
func Compile(raw map[string]any) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := roundTrip(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Schema{compiled: sch}, nil
}

// Validate checks params against the schema.
func (s *Schema) Validate(params map[string]any) error {
	if s == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := roundTrip(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// roundTrip converts v into the plain JSON value tree the validator expects,
// with numbers as json.Number.
func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
