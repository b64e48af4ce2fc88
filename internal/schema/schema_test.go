package schema

import (
	"errors"
	"testing"
)

func greetSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "maxLength": 8},
			"count": map[string]any{"type": "integer", "minimum": 1},
		},
		"required":             []any{"name"},
		"additionalProperties": false,
	}
}

func TestValidate(t *testing.T) {
	s, err := Compile(greetSchema())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	tests := []struct {
		name   string
		params map[string]any
		ok     bool
	}{
		{"valid", map[string]any{"name": "Ada"}, true},
		{"valid int", map[string]any{"name": "Ada", "count": 3}, true},
		{"valid int64", map[string]any{"name": "Ada", "count": int64(3)}, true},
		{"missing required", map[string]any{"count": 1}, false},
		{"nil params", nil, false},
		{"wrong type", map[string]any{"name": 42}, false},
		{"too long", map[string]any{"name": "Ada Lovelace"}, false},
		{"below minimum", map[string]any{"name": "Ada", "count": 0}, false},
		{"fractional integer", map[string]any{"name": "Ada", "count": 1.5}, false},
		{"extra property", map[string]any{"name": "Ada", "admin": true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.params)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestCompile_Empty(t *testing.T) {
	s, err := Compile(nil)
	if err != nil || s != nil {
		t.Fatalf("expected nil schema, got %v %v", s, err)
	}
	if err := s.Validate(map[string]any{"anything": 1}); err != nil {
		t.Fatalf("nil schema must accept everything, got %v", err)
	}
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile(map[string]any{"type": "no-such-type"})
	if !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
}
