package sandbox

import (
	"strings"
	"sync"
	"testing"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validator"
	"go.uber.org/zap"
)

// compileUnchecked compiles src without requiring a clean report, so tests
// can reach the runtime layer with sources the validators would reject.
func compileUnchecked(t *testing.T, p *policy.Policy, tenantID, toolID, src string) *CompiledTool {
	t.Helper()
	unit, _ := validator.New(p).Validate(toolID+".star", src)
	if unit == nil {
		t.Fatalf("source for %s does not parse", toolID)
	}
	prog, report := Compile(unit, p)
	if !report.Clean() {
		t.Fatalf("compile %s: %v", toolID, report.Details())
	}
	ct, err := NewCompiledTool(tool.Definition{ToolID: toolID, TenantID: tenantID, SourceCode: src}, prog, report)
	if err != nil {
		t.Fatalf("NewCompiledTool: %v", err)
	}
	return ct
}

type importRecord struct {
	module  string
	allowed bool
}

type recordingAuditor struct {
	mu      sync.Mutex
	imports []importRecord
}

func (a *recordingAuditor) ImportAttempt(_, _, module string, allowed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imports = append(a.imports, importRecord{module, allowed})
}

type mapResolver map[string]*CompiledTool

func (m mapResolver) Get(tenantID, toolID string) (*CompiledTool, bool) {
	ct, ok := m[tenantID+"/"+toolID]
	return ct, ok
}

func run(t *testing.T, b *Builder, p *policy.Policy, ct *CompiledTool, params map[string]any) (*Env, any, error) {
	t.Helper()
	env, err := b.Build(ct, Options{Policy: p, RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v, err := env.Call(params)
	if err != nil {
		return env, nil, err
	}
	out, err := FromStarlark(v)
	if err != nil {
		t.Fatalf("FromStarlark: %v", err)
	}
	return env, out, nil
}

func TestEnv_HelloWorld(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "hello", `
def execute(name="World"):
    return "Hello, %s" % name
`)
	b := NewBuilder(Config{Logger: zap.NewNop()})

	_, got, err := run(t, b, p, ct, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Hello, World" {
		t.Fatalf("expected %q, got %v", "Hello, World", got)
	}

	_, got, err = run(t, b, p, ct, map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Hello, Ada" {
		t.Fatalf("expected %q, got %v", "Hello, Ada", got)
	}
}

func TestEnv_PreImportedModules(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "stamp", `
def execute(n=2):
    stamp = datetime.isoformat(0)
    return [json.encode({"n": n, "at": stamp}), math.sqrt(16)]
`)
	_, got, err := run(t, NewBuilder(Config{}), p, ct, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := got.([]any)
	if want := `{"at":"1970-01-01T00:00:00Z","n":2}`; list[0] != want {
		t.Fatalf("expected %s, got %v", want, list[0])
	}
	if list[1] != 4.0 {
		t.Fatalf("expected sqrt 4.0, got %v", list[1])
	}
}

func TestEnv_ControlledImportIsAudited(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "digest", `
import hashlib
from uuid import uuid4 as _uuid4

def execute(s="abc"):
    return [hashlib.sha256(s), len(_uuid4())]
`)
	auditor := &recordingAuditor{}
	_, got, err := run(t, NewBuilder(Config{Auditor: auditor}), p, ct, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := got.([]any)
	if list[0] != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" || list[1] != int64(36) {
		t.Fatalf("unexpected result %v", got)
	}
	if len(auditor.imports) != 2 || !auditor.imports[0].allowed || auditor.imports[0].module != "hashlib" {
		t.Fatalf("unexpected audit trail %v", auditor.imports)
	}
}

func TestEnv_RuntimeImportDenied(t *testing.T) {
	p := policy.Default()
	tests := []struct {
		name   string
		src    string
		module string
		kind   tool.ViolationKind
	}{
		{"denied module", "def execute():\n    m = _load_module(\"os\")\n    return 1\n", "os", tool.KindPrimitiveImport},
		{"computed name", "def execute(n=\"so\" + \"cket\"):\n    m = _load_module(n)\n    return 1\n", "socket", tool.KindPrimitiveImport},
		{"relative", "def execute():\n    m = _load_module(\"./x\")\n    return 1\n", "./x", tool.KindRelativeImport},
		{"native load", "load(\"subprocess\", \"run\")\ndef execute():\n    return 1\n", "subprocess", tool.KindPrimitiveImport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := compileUnchecked(t, p, "t1", "evil", tt.src)
			auditor := &recordingAuditor{}
			_, _, err := run(t, NewBuilder(Config{Auditor: auditor}), p, ct, nil)
			if err == nil {
				t.Fatal("expected import to be refused")
			}
			out := Classify(err)
			if out.Kind != tool.OutcomeSecurityViolation || out.Report.Violations[0].Kind != tt.kind {
				t.Fatalf("expected %s violation, got %+v", tt.kind, out)
			}
			if len(auditor.imports) != 1 || auditor.imports[0].allowed || auditor.imports[0].module != tt.module {
				t.Fatalf("expected one denied attempt for %s, got %v", tt.module, auditor.imports)
			}
		})
	}
}

func TestEnv_DenialShadow(t *testing.T) {
	p := policy.Default()
	for _, name := range []string{"type", "getattr", "hash"} {
		ct := compileUnchecked(t, p, "t1", "shadow", "def execute():\n    return "+name+"(1)\n")
		_, _, err := run(t, NewBuilder(Config{}), p, ct, nil)
		out := Classify(err)
		if out.Kind != tool.OutcomeSecurityViolation || out.Report.Violations[0].Subject != name {
			t.Fatalf("expected %s to be shadowed, got %+v", name, out)
		}
	}
}

func TestEnv_FailIsToolError(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "boom", "def execute():\n    fail(\"bad input\")\n")
	_, _, err := run(t, NewBuilder(Config{}), p, ct, nil)
	out := Classify(err)
	if out.Kind != tool.OutcomeToolError || out.ErrorKind != "fail" || out.Message != "bad input" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	ct = compileUnchecked(t, p, "t1", "div", "def execute():\n    return 1 // 0\n")
	_, _, err = run(t, NewBuilder(Config{}), p, ct, nil)
	if out := Classify(err); out.Kind != tool.OutcomeToolError || out.ErrorKind != "eval" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestEnv_OutputLimit(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "chatty", `
def execute():
    for i in range(1000):
        print("line %d" % i)
    return "done"
`)
	limits := p.Limits
	limits.MaxOutputBytes = 32
	env, err := NewBuilder(Config{}).Build(ct, Options{Policy: p, Limits: limits})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := env.Call(nil); err == nil {
		t.Fatal("expected cancellation")
	}
	if env.Tripped() != tool.LimitOutput {
		t.Fatalf("expected output breach, got %q", env.Tripped())
	}
	if len(env.Output()) != 32 {
		t.Fatalf("expected output truncated to 32 bytes, got %d", len(env.Output()))
	}
}

func TestEnv_OutcomeChargesResultToOutputLimit(t *testing.T) {
	p := policy.Default()
	tests := []struct {
		name  string
		src   string
		limit int64
		want  tool.OutcomeKind
	}{
		{"large return", "def execute():\n    return \"z\" * 6000000\n", 1024, tool.OutcomeResourceExceeded},
		{"print plus return", "def execute():\n    print(\"a\" * 40)\n    return \"b\" * 40\n", 64, tool.OutcomeResourceExceeded},
		{"within limit", "def execute():\n    print(\"a\" * 10)\n    return \"b\" * 10\n", 64, tool.OutcomeSuccess},
		{"unbounded", "def execute():\n    return \"z\" * 100000\n", 0, tool.OutcomeSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := compileUnchecked(t, p, "t1", "big", tt.src)
			limits := p.Limits
			limits.MaxOutputBytes = tt.limit
			env, err := NewBuilder(Config{}).Build(ct, Options{Policy: p, Limits: limits})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			v, err := env.Call(nil)
			out := env.Outcome(v, err)
			if out.Kind != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, out.Error())
			}
			if out.Kind == tool.OutcomeResourceExceeded && (out.Limit != tool.LimitOutput || out.Value != nil) {
				t.Fatalf("expected an output breach without a value, got %+v", out)
			}
		})
	}
}

func TestEnv_OutcomeBoundsMessage(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "loud", "def execute():\n    fail(\"e\" * 100000)\n")
	env, err := NewBuilder(Config{}).Build(ct, Options{Policy: p})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v, err := env.Call(nil)
	out := env.Outcome(v, err)
	if out.Kind != tool.OutcomeToolError || len(out.Message) > maxMessage+3 {
		t.Fatalf("expected a bounded tool error message, got %s with %d bytes", out.Kind, len(out.Message))
	}
}

func TestEnv_StepBudget(t *testing.T) {
	p := policy.Default()
	p.MaxSteps = 10_000
	ct := compileUnchecked(t, p, "t1", "spin", `
def execute():
    n = 0
    while True:
        n += 1
    return n
`)
	env, err := NewBuilder(Config{}).Build(ct, Options{Policy: p})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := env.Call(nil); err == nil {
		t.Fatal("expected step budget to stop the loop")
	}
	if env.Tripped() != tool.LimitCPU {
		t.Fatalf("expected cpu breach, got %q", env.Tripped())
	}
}

func TestEnv_TripKeepsFirstBreach(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "noop", "def execute():\n    return 1\n")
	env, err := NewBuilder(Config{}).Build(ct, Options{Policy: p})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	env.Trip(tool.LimitMemory)
	env.Trip(tool.LimitCPU)
	if env.Tripped() != tool.LimitMemory {
		t.Fatalf("expected first breach to win, got %q", env.Tripped())
	}
	if _, err := env.Call(nil); err == nil {
		t.Fatal("expected cancelled thread to refuse to run")
	}
}

func TestEnv_ContextInjection(t *testing.T) {
	p := policy.Default()
	b := NewBuilder(Config{})

	ct := compileUnchecked(t, p, "acme", "who", "def execute(context, x=1):\n    return [context.tenant_id, context.tool_id, context.request_id, x]\n")
	_, got, err := run(t, b, p, ct, map[string]any{"x": 5, "context": "spoofed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := got.([]any)
	if list[0] != "acme" || list[1] != "who" || list[2] != "req-1" || list[3] != int64(5) {
		t.Fatalf("unexpected context %v", got)
	}

	ct = compileUnchecked(t, p, "acme", "kw", "def execute(**kw):\n    return sorted(kw.keys())\n")
	_, got, err = run(t, b, p, ct, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys := got.([]any); len(keys) != 2 || keys[0] != "a" || keys[1] != "context" {
		t.Fatalf("expected context alongside kwargs, got %v", got)
	}

	ct = compileUnchecked(t, p, "acme", "plain", "def execute():\n    return 1\n")
	if _, _, err := run(t, b, p, ct, nil); err != nil {
		t.Fatalf("context must not be passed to execute without a context parameter: %v", err)
	}
}

func TestEnv_CallTool(t *testing.T) {
	p := policy.Default()
	resolver := mapResolver{}
	add := func(tenant, id, src string) *CompiledTool {
		ct := compileUnchecked(t, p, tenant, id, src)
		resolver[tenant+"/"+id] = ct
		return ct
	}
	double := add("acme", "double", "def execute(n=0):\n    return n * 2\n")
	add("acme", "ping", "def execute():\n    return call_tool(\"pong\")\n")
	add("acme", "pong", "def execute():\n    return call_tool(\"ping\")\n")
	add("other", "secret", "def execute():\n    return \"leak\"\n")
	caller := add("acme", "quad", "def execute(n=1):\n    return call_tool(\"double\", {\"n\": call_tool(\"double\", {\"n\": n})})\n")
	_ = double

	b := NewBuilder(Config{Resolver: resolver})
	_, got, err := run(t, b, p, caller, map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != int64(12) {
		t.Fatalf("expected 12, got %v", got)
	}

	_, _, err = run(t, b, p, resolver["acme/ping"], nil)
	out := Classify(err)
	if out.ErrorKind != "call_tool" || !strings.Contains(out.Message, "ping -> pong -> ping") {
		t.Fatalf("expected circular dependency error, got %+v", out)
	}

	cross := add("acme", "cross", "def execute():\n    return call_tool(\"secret\")\n")
	_, _, err = run(t, b, p, cross, nil)
	if out := Classify(err); out.ErrorKind != "call_tool" || !strings.Contains(out.Message, "not found") {
		t.Fatalf("expected cross-tenant lookup to fail, got %+v", out)
	}

	_, _, err = run(t, NewBuilder(Config{}), p, caller, nil)
	if out := Classify(err); out.ErrorKind != "call_tool" {
		t.Fatalf("expected call_tool to be unavailable without a resolver, got %+v", out)
	}
}

func TestEnv_CallDepthLimit(t *testing.T) {
	p := policy.Default()
	p.MaxCallDepth = 2
	resolver := mapResolver{}
	for i, next := range []string{"b", "c", "d", ""} {
		id := string(rune('a' + i))
		src := "def execute():\n    return \"end\"\n"
		if next != "" {
			src = "def execute():\n    return call_tool(\"" + next + "\")\n"
		}
		resolver["acme/"+id] = compileUnchecked(t, p, "acme", id, src)
	}
	_, _, err := run(t, NewBuilder(Config{Resolver: resolver}), p, resolver["acme/a"], nil)
	if out := Classify(err); out.ErrorKind != "call_tool" || !strings.Contains(out.Message, "depth") {
		t.Fatalf("expected depth error, got %+v", out)
	}
}

func TestCompiledTool_BytecodeRoundTrip(t *testing.T) {
	p := policy.Default()
	ct := compileUnchecked(t, p, "t1", "hello", "def execute(name=\"World\"):\n    return \"Hello, %s\" % name\n")
	prog, err := LoadProgram(ct.Bytecode())
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	clone := &CompiledTool{ToolID: ct.ToolID, TenantID: ct.TenantID, program: prog}
	_, got, err := run(t, NewBuilder(Config{}), p, clone, map[string]any{"name": "bytes"})
	if err != nil || got != "Hello, bytes" {
		t.Fatalf("unexpected result %v (%v)", got, err)
	}
}

func TestPredeclaredNames(t *testing.T) {
	names := PredeclaredNames(policy.Default())
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	for _, want := range []string{"_load_module", "call_tool", "json", "type", "eval", "hash", "getattr"} {
		if !set[want] {
			t.Fatalf("expected %s to be predeclared, got %v", want, names)
		}
	}
	for _, safe := range []string{"len", "print", "str", "None"} {
		if set[safe] {
			t.Fatalf("safe builtin %s must resolve to the universe", safe)
		}
	}
}

func TestConvert(t *testing.T) {
	v, err := ToStarlark(map[string]any{"a": []any{1.0, 2.5, "x", nil, true}})
	if err != nil {
		t.Fatalf("ToStarlark: %v", err)
	}
	if v.String() != `{"a": [1, 2.5, "x", None, True]}` {
		t.Fatalf("unexpected value %s", v)
	}
	back, err := FromStarlark(v)
	if err != nil {
		t.Fatalf("FromStarlark: %v", err)
	}
	list := back.(map[string]any)["a"].([]any)
	if list[0] != int64(1) || list[1] != 2.5 || list[3] != nil {
		t.Fatalf("unexpected round trip %v", back)
	}
	if _, err := ToStarlark(struct{}{}); err == nil {
		t.Fatal("expected unsupported type error")
	}
}
