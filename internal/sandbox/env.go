package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validator"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"
)

// Auditor receives every attempt the controlled import function sees,
// allowed or not.
type Auditor interface {
	ImportAttempt(tenantID, toolID, module string, allowed bool)
}

// Resolver finds another compiled tool for call_tool. Lookups are always
// scoped to the caller's tenant.
type Resolver interface {
	Get(tenantID, toolID string) (*CompiledTool, bool)
}

// Config holds the Builder's collaborators. Resolver may be nil, in which
// case call_tool fails for every callee.
type Config struct {
	Auditor  Auditor
	Resolver Resolver
	Logger   *zap.Logger
}

// Builder produces a fresh Env per execution. It holds no per-execution
// state and is safe for concurrent use.
type Builder struct {
	auditor  Auditor
	resolver Resolver
	logger   *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{auditor: cfg.Auditor, resolver: cfg.Resolver, logger: logger}
}

// Options are the per-execution inputs to Build.
type Options struct {
	Policy    *policy.Policy
	RequestID string
	Limits    tool.Limits
}

// Env is one execution's interpreter thread and namespace. It is used by a
// single goroutine, except for Trip, Tripped and Output, which are safe to
// call from a supervisor.
type Env struct {
	Thread *starlark.Thread

	builder     *Builder
	policy      *policy.Policy
	requestID   string
	root        *CompiledTool
	predeclared starlark.StringDict
	out         *outputBuffer
	breach      atomic.Pointer[string]

	// call_tool bookkeeping, touched only by the executing goroutine
	stack   []string
	current *CompiledTool
}

// Build prepares an Env for ct. The namespace holds the sandbox functions,
// the policy's pre-imported modules and a denial shadow for every other
// predeclared name the program may reference.
func (b *Builder) Build(ct *CompiledTool, opts Options) (*Env, error) {
	if ct == nil || ct.Program() == nil {
		return nil, fmt.Errorf("Build: no compiled program")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("Build: no policy")
	}
	limits := opts.Limits
	if limits == (tool.Limits{}) {
		limits = opts.Policy.Limits
	}

	e := &Env{
		builder:   b,
		policy:    opts.Policy,
		requestID: opts.RequestID,
		root:      ct,
		current:   ct,
		stack:     []string{ct.ToolID},
		out:       &outputBuffer{max: limits.MaxOutputBytes},
	}
	e.Thread = &starlark.Thread{
		Name:  "tool:" + ct.ToolID,
		Print: e.print,
		Load:  e.load,
		OnMaxSteps: func(*starlark.Thread) {
			e.Trip(tool.LimitCPU)
		},
	}
	if opts.Policy.MaxSteps > 0 {
		e.Thread.SetMaxExecutionSteps(opts.Policy.MaxSteps)
	}
	e.predeclared = e.namespace()
	return e, nil
}

func (e *Env) namespace() starlark.StringDict {
	ns := starlark.StringDict{
		policy.ImportFunc:   starlark.NewBuiltin(policy.ImportFunc, e.importModule),
		policy.CallToolFunc: starlark.NewBuiltin(policy.CallToolFunc, e.callTool),
	}
	for _, name := range PredeclaredNames(e.policy) {
		if _, ok := ns[name]; ok {
			continue
		}
		if e.policy.PreImported(name) {
			if m, ok := lookupModule(name); ok {
				ns[name] = m
				continue
			}
		}
		ns[name] = e.denial(name)
	}
	ns.Freeze()
	return ns
}

// Trip records the first limit breach and cancels the thread. Later breaches
// are ignored.
func (e *Env) Trip(limit string) {
	if e.breach.CompareAndSwap(nil, &limit) {
		e.Thread.Cancel(limit + " limit exceeded")
	}
}

// Tripped returns the first recorded breach, or "".
func (e *Env) Tripped() string {
	if p := e.breach.Load(); p != nil {
		return *p
	}
	return ""
}

// Output returns the captured print output.
func (e *Env) Output() string {
	return e.out.String()
}

// Call runs the program's top level, then its entry point with params as
// keyword arguments.
func (e *Env) Call(params map[string]any) (starlark.Value, error) {
	return e.run(e.Thread, e.root, params)
}

func (e *Env) run(thread *starlark.Thread, ct *CompiledTool, params map[string]any) (starlark.Value, error) {
	globals, err := ct.Program().Init(thread, e.predeclared)
	if err != nil {
		return nil, err
	}
	fn, ok := globals[validator.EntryPoint].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", ct.ToolID, ErrNoEntryPoint)
	}
	kwargs, err := e.kwargs(fn, ct, params)
	if err != nil {
		return nil, err
	}
	return starlark.Call(thread, fn, nil, kwargs)
}

// Outcome turns Call's results into a tool outcome. A recorded breach takes
// precedence over the error the cancelled interpreter surfaced.
func (e *Env) Outcome(v starlark.Value, err error) *tool.Outcome {
	var out *tool.Outcome
	switch {
	case e.Tripped() != "":
		out = tool.Exceeded(e.Tripped())
	case err != nil:
		out = Classify(err)
	default:
		res, convErr := FromStarlark(v)
		if convErr != nil {
			out = tool.ToolFailed("result", convErr.Error())
			break
		}
		// The output ceiling covers the encoded result as well as print.
		enc, encErr := json.Marshal(res)
		switch {
		case encErr != nil:
			out = tool.ToolFailed("result", encErr.Error())
		case !e.out.fits(int64(len(enc))):
			out = tool.Exceeded(tool.LimitOutput)
		default:
			out = tool.Succeeded(res, "")
		}
	}
	if len(out.Message) > maxMessage {
		out.Message = out.Message[:maxMessage] + "..."
	}
	out.Output = e.Output()
	return out
}

// maxMessage bounds an error message carried in an outcome.
const maxMessage = 4 << 10

// contextParam is the parameter name that opts execute into context injection.
const contextParam = "context"

func (e *Env) kwargs(fn *starlark.Function, ct *CompiledTool, params map[string]any) ([]starlark.Tuple, error) {
	inject := wantsContext(fn)
	keys := make([]string, 0, len(params))
	for k := range params {
		if inject && k == contextParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kwargs := make([]starlark.Tuple, 0, len(keys)+1)
	for _, k := range keys {
		v, err := ToStarlark(params[k])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(k), v})
	}
	if inject {
		ctxVal := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"tenant_id":  starlark.String(ct.TenantID),
			"tool_id":    starlark.String(ct.ToolID),
			"request_id": starlark.String(e.requestID),
		})
		ctxVal.Freeze()
		kwargs = append(kwargs, starlark.Tuple{starlark.String(contextParam), ctxVal})
	}
	return kwargs, nil
}

func wantsContext(fn *starlark.Function) bool {
	if fn.HasKwargs() {
		return true
	}
	for i := 0; i < fn.NumParams(); i++ {
		if name, _ := fn.Param(i); name == contextParam {
			return true
		}
	}
	return false
}

// importModule is the controlled import function bound as _load_module.
func (e *Env) importModule(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	m, err := e.module(name)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// load binds native load statements to the same controlled import path.
func (e *Env) load(_ *starlark.Thread, name string) (starlark.StringDict, error) {
	m, err := e.module(name)
	if err != nil {
		return nil, err
	}
	return m.Members, nil
}

func (e *Env) module(name string) (*starlarkstruct.Module, error) {
	var (
		m   *starlarkstruct.Module
		err error
	)
	switch {
	case policy.IsRelative(name):
		err = &SecurityError{Kind: tool.KindRelativeImport, Subject: name,
			Detail: fmt.Sprintf("relative import of %q is not allowed", name)}
	case !e.policy.ModuleAllowed(name):
		err = &SecurityError{Kind: tool.KindPrimitiveImport, Subject: policy.TopLevel(name),
			Detail: fmt.Sprintf("import of %q is not allowed", name)}
	default:
		var ok bool
		if m, ok = lookupModule(name); !ok {
			err = &ImportError{Module: name}
		}
	}

	if e.builder.auditor != nil {
		e.builder.auditor.ImportAttempt(e.current.TenantID, e.current.ToolID, name, err == nil)
	}
	if err != nil {
		e.builder.logger.Warn("import denied",
			zap.String("tenant_id", e.current.TenantID),
			zap.String("tool_id", e.current.ToolID),
			zap.String("module", name),
			zap.Error(err),
		)
		return nil, err
	}
	return m, nil
}

// denial returns the shadow bound in place of a builtin the policy withholds.
func (e *Env) denial(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		e.builder.logger.Warn("denied builtin reached",
			zap.String("tenant_id", e.current.TenantID),
			zap.String("tool_id", e.current.ToolID),
			zap.String("builtin", name),
		)
		return nil, &SecurityError{Kind: tool.KindPrimitiveGlobal, Subject: name,
			Detail: fmt.Sprintf("%s is not available in the sandbox", name)}
	})
}

// callTool runs another tool of the same tenant on the caller's thread, so
// the caller's step budget, deadline and output buffer govern the callee.
func (e *Env) callTool(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		toolID string
		params *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "tool_id", &toolID, "params?", &params); err != nil {
		return nil, err
	}
	if e.builder.resolver == nil {
		return nil, &CallError{ToolID: toolID, Msg: "not available in this execution mode"}
	}
	for _, id := range e.stack {
		if id == toolID {
			chain := append(append([]string{}, e.stack...), toolID)
			return nil, &CallError{ToolID: toolID, Msg: "circular dependency: " + strings.Join(chain, " -> ")}
		}
	}
	if limit := e.policy.MaxCallDepth; limit > 0 && len(e.stack) > limit {
		return nil, &CallError{ToolID: toolID, Msg: fmt.Sprintf("call depth exceeds %d", limit)}
	}
	target, ok := e.builder.resolver.Get(e.root.TenantID, toolID)
	if !ok {
		return nil, &CallError{ToolID: toolID, Msg: "tool not found"}
	}

	var goParams map[string]any
	if params != nil {
		v, err := FromStarlark(params)
		if err != nil {
			return nil, &CallError{ToolID: toolID, Msg: err.Error()}
		}
		goParams = v.(map[string]any)
	}

	caller := e.current
	e.stack = append(e.stack, toolID)
	e.current = target
	defer func() {
		e.stack = e.stack[:len(e.stack)-1]
		e.current = caller
	}()
	return e.run(thread, target, goParams)
}

func (e *Env) print(_ *starlark.Thread, msg string) {
	if !e.out.write(msg + "\n") {
		e.Trip(tool.LimitOutput)
	}
}

// outputBuffer captures print output up to max bytes. Writes past the cap
// are truncated and reported.
type outputBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	max  int64
	full bool
}

func (o *outputBuffer) write(s string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.full {
		return false
	}
	if o.max > 0 {
		room := o.max - int64(o.buf.Len())
		if int64(len(s)) > room {
			o.buf.WriteString(s[:room])
			o.full = true
			return false
		}
	}
	o.buf.WriteString(s)
	return true
}

// fits reports whether n more bytes stay within the cap.
func (o *outputBuffer) fits(n int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.max <= 0 || int64(o.buf.Len())+n <= o.max
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
