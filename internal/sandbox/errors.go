package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.starlark.net/starlark"
)

// SecurityError is raised inside tool code when it reaches a capability the
// sandbox withholds: a denied import, a relative import or a shadowed builtin.
type SecurityError struct {
	Kind    tool.ViolationKind
	Subject string
	Detail  string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Report renders the error as a single-violation report.
func (e *SecurityError) Report() *tool.Report {
	r := &tool.Report{}
	r.Add(e.Kind, tool.Position{}, e.Subject, "%s", e.Detail)
	return r
}

// CallError is a call_tool failure: unknown callee, cycle or depth.
type CallError struct {
	ToolID string
	Msg    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call_tool(%q): %s", e.ToolID, e.Msg)
}

// ImportError is an allow-listed module name the registry does not provide.
type ImportError struct {
	Module string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("no module named %q", e.Module)
}

// ErrNoEntryPoint is returned when a program's globals lack a callable
// entry point. Validation makes this unreachable for cached tools.
var ErrNoEntryPoint = errors.New("entry point not defined")

// Classify maps an error surfaced by Call to an outcome. It does not know
// about limit breaches; callers check Env.Tripped first.
func Classify(err error) *tool.Outcome {
	var secErr *SecurityError
	if errors.As(err, &secErr) {
		return tool.Violated(secErr.Report())
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return tool.ToolFailed("call_tool", callErr.Error())
	}
	var impErr *ImportError
	if errors.As(err, &impErr) {
		return tool.ToolFailed("import", impErr.Error())
	}
	if errors.Is(err, ErrNoEntryPoint) {
		return tool.Internal("%v", err)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		if strings.HasPrefix(evalErr.Msg, "fail: ") {
			return tool.ToolFailed("fail", strings.TrimPrefix(evalErr.Msg, "fail: "))
		}
		return tool.ToolFailed("eval", evalErr.Msg)
	}
	return tool.ToolFailed("eval", err.Error())
}
