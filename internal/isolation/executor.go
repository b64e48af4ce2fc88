// Package isolation runs compiled tools, either on a supervised goroutine in
// this process or in a freshly spawned worker process.
package isolation

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// Executor runs one compiled tool for one request. Execute never returns a
// nil Outcome.
type Executor interface {
	Execute(ctx context.Context, ct *sandbox.CompiledTool, req tool.Request) *tool.Outcome
}

// PolicySource yields the policy in force. *policy.Store implements it.
type PolicySource interface {
	Current() *policy.Policy
}

// reapWarnAfter is how long a cancelled goroutine may keep running before
// the executor logs it.
const reapWarnAfter = 5 * time.Second

// InProcess runs tools on a dedicated, OS-locked goroutine. A supervisor
// races the result against the wall clock and the governor's watcher, and
// returns as soon as either fires; the cancelled goroutine is reaped in the
// background.
type InProcess struct {
	builder  *sandbox.Builder
	governor *governor.Governor
	policies PolicySource
	logger   *zap.Logger

	inflight atomic.Int64
}

// NewInProcess creates an in-process executor.
func NewInProcess(b *sandbox.Builder, g *governor.Governor, policies PolicySource, logger *zap.Logger) *InProcess {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcess{builder: b, governor: g, policies: policies, logger: logger}
}

// Inflight counts tool goroutines that have not exited yet, including ones
// abandoned after a timeout.
func (x *InProcess) Inflight() int64 { return x.inflight.Load() }

func (x *InProcess) Execute(ctx context.Context, ct *sandbox.CompiledTool, req tool.Request) *tool.Outcome {
	return x.execute(ctx, ct, req, x.policies.Current())
}

type callResult struct {
	value starlark.Value
	err   error
}

func (x *InProcess) execute(ctx context.Context, ct *sandbox.CompiledTool, req tool.Request, p *policy.Policy) *tool.Outcome {
	start := time.Now()
	limits := p.Limits.WithDeadline(req.Deadline)

	env, err := x.builder.Build(ct, sandbox.Options{Policy: p, RequestID: req.RequestID, Limits: limits})
	if err != nil {
		return finish(tool.Internal("build environment: %v", err), start)
	}
	lease, err := x.governor.Acquire(ctx, limits)
	if err != nil {
		if ctx.Err() != nil {
			return finish(tool.TimedOut("no execution slot before the request ended"), start)
		}
		return finish(tool.Internal("acquire lease: %v", err), start)
	}

	done := make(chan callResult, 1)
	tids := make(chan int, 1)
	x.inflight.Add(1)
	go func() {
		defer x.inflight.Add(-1)
		// An abandoned call keeps its lease until it actually stops.
		defer lease.Release()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tids <- gettid()
		v, err := env.Call(req.Params)
		done <- callResult{value: v, err: err}
	}()

	breached := make(chan struct{})
	var once atomic.Bool
	stopWatch := lease.Watch(ctx, <-tids, func(limit string) {
		env.Trip(limit)
		if once.CompareAndSwap(false, true) {
			close(breached)
		}
	})

	timer := time.NewTimer(limits.MaxWall)
	defer timer.Stop()

	var out *tool.Outcome
	select {
	case r := <-done:
		stopWatch()
		lease.Release()
		return finish(env.Outcome(r.value, r.err), start)
	case <-breached:
		out = tool.Exceeded(env.Tripped())
	case <-timer.C:
		env.Thread.Cancel("wall clock limit exceeded")
		out = tool.TimedOut(fmt.Sprintf("exceeded %s wall clock limit", limits.MaxWall))
	case <-ctx.Done():
		env.Thread.Cancel("request cancelled")
		out = tool.TimedOut(fmt.Sprintf("request ended: %v", ctx.Err()))
	}
	out.Output = env.Output()

	go x.reap(ct, done, stopWatch)
	return finish(out, start)
}

// reap waits for an abandoned goroutine to notice its cancellation and stops
// its watcher. The goroutine returns its own lease.
func (x *InProcess) reap(ct *sandbox.CompiledTool, done <-chan callResult, stopWatch func()) {
	defer stopWatch()
	select {
	case <-done:
		return
	case <-time.After(reapWarnAfter):
	}
	x.logger.Warn("cancelled tool still running",
		zap.String("tenant_id", ct.TenantID),
		zap.String("tool_id", ct.ToolID),
	)
	<-done
}

func finish(o *tool.Outcome, start time.Time) *tool.Outcome {
	o.Duration = time.Since(start)
	return o
}
