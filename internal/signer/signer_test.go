package signer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

func sampleDefinition() tool.Definition {
	return tool.Definition{
		ToolID:     "greet",
		TenantID:   "acme",
		Name:       "Greeter",
		SourceCode: "def execute(name=\"World\"):\n    return \"Hello, %s\" % name\n",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
		Version: "1",
	}
}

func TestCanonical_Deterministic(t *testing.T) {
	a, err := Canonical(sampleDefinition())
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	for i := 0; i < 20; i++ {
		b, err := Canonical(sampleDefinition())
		if err != nil {
			t.Fatalf("Canonical: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatal("expected identical encodings")
		}
	}

	def := sampleDefinition()
	def.Name = "renamed"
	def.TenantID = "other"
	b, _ := Canonical(def)
	if !bytes.Equal(a, b) {
		t.Fatal("non-canonical fields must not affect the encoding")
	}

	ints, floats := sampleDefinition(), sampleDefinition()
	ints.InputSchema = map[string]any{"type": "string", "minLength": 1, "maxLength": int32(8)}
	floats.InputSchema = map[string]any{"type": "string", "minLength": 1.0, "maxLength": float64(8)}
	x, _ := Canonical(ints)
	y, _ := Canonical(floats)
	if !bytes.Equal(x, y) {
		t.Fatal("numeric representation of the schema must not affect the encoding")
	}

	empty, nilSchema := sampleDefinition(), sampleDefinition()
	empty.InputSchema = map[string]any{}
	nilSchema.InputSchema = nil
	x, _ = Canonical(empty)
	y, _ = Canonical(nilSchema)
	if !bytes.Equal(x, y) {
		t.Fatal("empty and nil schema must encode the same")
	}
}

func TestSignVerify(t *testing.T) {
	s, err := New("s3cret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	signed, err := s.Sign(sampleDefinition())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(signed.ContentHash) != 64 || len(signed.Signature) != 64 {
		t.Fatalf("unexpected hash/signature lengths %q %q", signed.ContentHash, signed.Signature)
	}
	want, _ := Hash(sampleDefinition())
	if signed.ContentHash != want {
		t.Fatalf("expected content hash %s, got %s", want, signed.ContentHash)
	}
	if !s.Verify(signed) {
		t.Fatal("expected signed definition to verify")
	}
}

// flip changes the first hex digit.
func flip(h string) string {
	if h[0] == '0' {
		return "1" + h[1:]
	}
	return "0" + h[1:]
}

func TestVerify_DetectsTampering(t *testing.T) {
	s, _ := New("s3cret")
	signed, _ := s.Sign(sampleDefinition())

	tests := []struct {
		name   string
		mutate func(*tool.Definition)
	}{
		{"tool id", func(d *tool.Definition) { d.ToolID = "greet2" }},
		{"source", func(d *tool.Definition) { d.SourceCode += "\n" }},
		{"schema", func(d *tool.Definition) { d.InputSchema = map[string]any{"type": "array"} }},
		{"schema removed", func(d *tool.Definition) { d.InputSchema = nil }},
		{"version", func(d *tool.Definition) { d.Version = "2" }},
		{"hash", func(d *tool.Definition) { d.ContentHash = flip(d.ContentHash) }},
		{"signature", func(d *tool.Definition) { d.Signature = flip(d.Signature) }},
		{"garbage signature", func(d *tool.Definition) { d.Signature = "not-hex" }},
		{"unsigned", func(d *tool.Definition) { d.ContentHash, d.Signature = "", "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := signed
			def.InputSchema = map[string]any{}
			for k, v := range signed.InputSchema {
				def.InputSchema[k] = v
			}
			tt.mutate(&def)
			if s.Verify(def) {
				t.Fatal("expected verification to fail")
			}
		})
	}

	other, _ := New("different")
	if other.Verify(signed) {
		t.Fatal("signature must not verify under another secret")
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestSet_Rotation(t *testing.T) {
	set, err := NewSet("one")
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	old, _ := set.Sign(sampleDefinition())

	if err := set.Rotate("two"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !set.Verify(old) {
		t.Fatal("definitions signed before one rotation must still verify")
	}
	fresh, _ := set.Sign(sampleDefinition())
	if fresh.Signature == old.Signature {
		t.Fatal("expected new secret to produce a new signature")
	}

	if err := set.Rotate("two"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !set.Verify(old) {
		t.Fatal("rotating to the current secret must not drop the previous one")
	}

	if err := set.Rotate("three"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if set.Verify(old) {
		t.Fatal("definitions two rotations old must fail")
	}
	if !set.Verify(fresh) {
		t.Fatal("previous secret must still verify")
	}
}

func BenchmarkVerify(b *testing.B) {
	s, _ := New("bench")
	signed, _ := s.Sign(sampleDefinition())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Verify(signed)
	}
}
