package tool

import (
	"fmt"
	"time"
)

// Definition is a tenant-submitted tool. The canonical fields (ToolID,
// SourceCode, InputSchema, Version) are what the signer hashes; the rest is
// registry metadata.
type Definition struct {
	ToolID      string
	TenantID    string
	Name        string
	Description string
	SourceCode  string
	InputSchema map[string]any // JSON Schema, nil if not set
	Version     string
	Trusted     bool   // registry trust tier, consulted by the by_tier isolation mode
	Isolation   string // "" or "subprocess"; may only tighten policy

	ContentHash string // hex BLAKE3 of the canonical encoding
	Signature   string // hex keyed BLAKE3 over the canonical encoding
}

// Position locates a violation in tool source. Zero value means unknown.
type Position struct {
	Line int32
	Col  int32
}

func (p Position) String() string {
	if p.Line == 0 {
		return "?"
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// ViolationKind classifies a single reason a tool was rejected.
type ViolationKind string

const (
	KindSyntaxError          ViolationKind = "syntax_error"
	KindForbiddenPattern     ViolationKind = "forbidden_pattern"
	KindForbiddenImport      ViolationKind = "forbidden_import"
	KindRelativeImport       ViolationKind = "relative_import"
	KindForbiddenCall        ViolationKind = "forbidden_call"
	KindForbiddenAttribute   ViolationKind = "forbidden_attribute"
	KindForbiddenDeclaration ViolationKind = "forbidden_declaration"
	KindMissingEntryPoint    ViolationKind = "missing_entry_point"
	KindTopLevelStatement    ViolationKind = "top_level_statement"
	KindPrimitiveImport      ViolationKind = "primitive_import"
	KindPrimitiveGlobal      ViolationKind = "primitive_global"
	KindPrimitiveClass       ViolationKind = "primitive_class"
	KindNestingDepth         ViolationKind = "nesting_depth"
)

// Violation is one structured rejection reason.
type Violation struct {
	Kind    ViolationKind
	Detail  string
	Subject string // offending name (module, function, attribute), if any
	Pos     Position
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at %s: %s", v.Kind, v.Pos, v.Detail)
}

// Report accumulates violations and the module names a source tries to import.
// An empty Violations slice means the source is acceptable.
type Report struct {
	Violations []Violation
	Imports    []string
}

// Clean reports whether no violations were found.
func (r *Report) Clean() bool {
	return r == nil || len(r.Violations) == 0
}

// Add appends a violation.
func (r *Report) Add(kind ViolationKind, pos Position, subject, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{
		Kind:    kind,
		Detail:  fmt.Sprintf(format, args...),
		Subject: subject,
		Pos:     pos,
	})
}

// Merge appends another report's violations and imports.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
	for _, m := range other.Imports {
		r.AddImport(m)
	}
}

// AddImport records an imported module name once, preserving discovery order.
func (r *Report) AddImport(module string) {
	for _, m := range r.Imports {
		if m == module {
			return
		}
	}
	r.Imports = append(r.Imports, module)
}

// Kinds returns the violation kinds in report order.
func (r *Report) Kinds() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = string(v.Kind)
	}
	return out
}

// Details returns the human-readable violation details in report order.
func (r *Report) Details() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

// Request is a single execution request. Params are expected to be validated
// against the tool's input schema before reaching the core.
type Request struct {
	RequestID string
	ToolID    string
	TenantID  string
	Params    map[string]any
	Deadline  time.Duration // 0 = system ceiling; never raised above it
}
