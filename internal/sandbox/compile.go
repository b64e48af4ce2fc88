package sandbox

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validator"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// CompiledTool is a validated, compiled, ready-to-invoke tool. It is created
// only by the compile pipeline on a clean report and never mutated after.
type CompiledTool struct {
	ToolID      string
	TenantID    string
	ContentHash string
	Definition  tool.Definition
	Report      *tool.Report
	CompiledAt  time.Time

	program  *starlark.Program
	bytecode []byte
}

// NewCompiledTool wraps a program that passed both validators.
func NewCompiledTool(def tool.Definition, prog *starlark.Program, report *tool.Report) (*CompiledTool, error) {
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		return nil, fmt.Errorf("NewCompiledTool: %w", err)
	}
	return &CompiledTool{
		ToolID:      def.ToolID,
		TenantID:    def.TenantID,
		ContentHash: def.ContentHash,
		Definition:  def,
		Report:      report,
		CompiledAt:  time.Now(),
		program:     prog,
		bytecode:    buf.Bytes(),
	}, nil
}

// Program returns the compiled program.
func (ct *CompiledTool) Program() *starlark.Program { return ct.program }

// Bytecode returns the serialized program, as handed to subprocess workers.
func (ct *CompiledTool) Bytecode() []byte { return ct.bytecode }

// LoadProgram decodes a program serialized by Bytecode.
func LoadProgram(data []byte) (*starlark.Program, error) {
	prog, err := starlark.CompiledProgram(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("LoadProgram: %w", err)
	}
	return prog, nil
}

// Restore rebuilds a CompiledTool from serialized bytecode, as a subprocess
// worker does. The result carries no definition or report.
func Restore(toolID, tenantID, contentHash string, data []byte) (*CompiledTool, error) {
	prog, err := LoadProgram(data)
	if err != nil {
		return nil, fmt.Errorf("Restore: %w", err)
	}
	return &CompiledTool{
		ToolID:      toolID,
		TenantID:    tenantID,
		ContentHash: contentHash,
		program:     prog,
		bytecode:    data,
	}, nil
}

// PredeclaredNames lists every name the sandbox binds ahead of the universe:
// pre-imported modules, sandbox functions, and a denial shadow for each
// universe builtin the policy does not consider safe.
func PredeclaredNames(p *policy.Policy) []string {
	names := map[string]bool{
		policy.ImportFunc:   true,
		policy.CallToolFunc: true,
	}
	for _, m := range p.PreImportedModules {
		names[m] = true
	}
	for name := range starlark.Universe {
		if !p.SafeGlobal(name) {
			names[name] = true
		}
	}
	for _, name := range p.DeniedCalls {
		names[name] = true
	}
	for _, name := range p.ConstructorPrimitives {
		names[name] = true
	}
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Compile resolves and compiles a validated unit. Resolution annotates
// unit.File in place; a unit can be compiled once.
func Compile(unit *validator.Unit, p *policy.Policy) (*starlark.Program, *tool.Report) {
	predeclared := make(map[string]bool)
	for _, n := range PredeclaredNames(p) {
		predeclared[n] = true
	}

	prog, err := starlark.FileProgram(unit.File, func(name string) bool { return predeclared[name] })
	if err != nil {
		return nil, resolveReport(err)
	}
	return prog, &tool.Report{}
}

func resolveReport(err error) *tool.Report {
	r := &tool.Report{}
	switch e := err.(type) {
	case resolve.ErrorList:
		for _, re := range e {
			r.Add(tool.KindSyntaxError, position(re.Pos), "", "%s", re.Msg)
		}
	case syntax.Error:
		r.Add(tool.KindSyntaxError, position(e.Pos), "", "%s", e.Msg)
	default:
		r.Add(tool.KindSyntaxError, tool.Position{}, "", "%s", err.Error())
	}
	return r
}

func position(p syntax.Position) tool.Position {
	return tool.Position{Line: p.Line, Col: p.Col}
}
