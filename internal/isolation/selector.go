package isolation

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// Selector picks the executor for each request from the policy mode and the
// tool's own isolation setting. A definition can ask for stronger isolation
// than the policy grants, never weaker.
type Selector struct {
	inProcess  *InProcess
	subprocess *Subprocess
	policies   PolicySource
}

var _ Executor = (*Selector)(nil)

// NewSelector creates a Selector. subprocess may be nil, in which case tools
// that require a worker fail with an internal error.
func NewSelector(inProcess *InProcess, subprocess *Subprocess, policies PolicySource) *Selector {
	return &Selector{inProcess: inProcess, subprocess: subprocess, policies: policies}
}

// Mode returns the isolation mode ct runs under p.
func Mode(p *policy.Policy, ct *sandbox.CompiledTool) string {
	if ct.Definition.Isolation == policy.ModeSubprocess {
		return policy.ModeSubprocess
	}
	switch p.Mode {
	case policy.ModeSubprocess:
		return policy.ModeSubprocess
	case policy.ModeByTier:
		if ct.Definition.Trusted {
			return policy.ModeInProcess
		}
		return policy.ModeSubprocess
	default:
		return policy.ModeInProcess
	}
}

// Execute reads the policy once and runs ct on the executor its mode names.
func (s *Selector) Execute(ctx context.Context, ct *sandbox.CompiledTool, req tool.Request) *tool.Outcome {
	p := s.policies.Current()
	if Mode(p, ct) == policy.ModeSubprocess {
		if s.subprocess == nil {
			return tool.Internal("tool %s requires subprocess isolation, which is not configured", ct.ToolID)
		}
		return s.subprocess.execute(ctx, ct, req, p)
	}
	return s.inProcess.execute(ctx, ct, req, p)
}
