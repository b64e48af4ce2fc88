package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// Worker exit codes. The parent trusts the record, not the code; codes only
// help when reading process accounting.
const (
	exitSuccess  = 0
	exitToolFail = 1
	exitSetup    = 2
	exitAlarm    = 3
	exitCPU      = 4
)

// importLog collects import attempts for the parent to audit.
type importLog struct {
	mu       sync.Mutex
	attempts []importAttempt
}

func (l *importLog) ImportAttempt(_, _, module string, allowed bool) {
	l.mu.Lock()
	l.attempts = append(l.attempts, importAttempt{Module: module, Allowed: allowed})
	l.mu.Unlock()
}

func (l *importLog) snapshot() []importAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]importAttempt(nil), l.attempts...)
}

// emitter writes the worker's one record. Whichever of the tool and the
// alarm finishes first wins; the other is dropped.
type emitter struct {
	once sync.Once
	w    io.Writer
}

func (e *emitter) emit(r record) {
	e.once.Do(func() {
		if err := json.NewEncoder(e.w).Encode(r); err != nil {
			fmt.Fprintf(os.Stderr, "tool sandbox worker: write record: %v\n", err)
		}
	})
}

// RunChild is the worker entry point. args are the arguments that followed
// ChildMarker: the scratch directory and the JSON-encoded parameters. It
// returns the process exit code.
func RunChild(args []string, stdout io.Writer) int {
	out := &emitter{w: stdout}
	fail := func(format string, a ...any) int {
		out.emit(newRecord(tool.Internal(format, a...), nil))
		return exitSetup
	}
	if len(args) != 2 {
		return fail("worker expects 2 arguments, got %d", len(args))
	}
	dir := args[0]

	var params map[string]any
	dec := json.NewDecoder(strings.NewReader(args[1]))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return fail("decode params: %v", err)
	}
	if v, ok := normalize(params).(map[string]any); ok {
		params = v
	}

	var m manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return fail("read manifest: %v", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return fail("decode manifest: %v", err)
	}
	p, err := policy.Load(filepath.Join(dir, policyFile))
	if err != nil {
		return fail("load policy: %v", err)
	}
	bytecode, err := os.ReadFile(filepath.Join(dir, programFile))
	if err != nil {
		return fail("read program: %v", err)
	}
	ct, err := sandbox.Restore(m.ToolID, m.TenantID, m.ContentHash, bytecode)
	if err != nil {
		return fail("restore program: %v", err)
	}

	// Everything the worker needs is in memory; the limits go on before any
	// tool code runs.
	if m.Child.MemoryBytes > 0 {
		debug.SetMemoryLimit(m.Child.MemoryBytes)
	}
	if err := applyRlimits(m.Child); err != nil {
		return fail("apply rlimits: %v", err)
	}

	imports := &importLog{}
	env, err := sandbox.NewBuilder(sandbox.Config{Auditor: imports}).Build(ct, sandbox.Options{
		Policy:    p,
		RequestID: m.RequestID,
		Limits:    m.Limits,
	})
	if err != nil {
		return fail("build environment: %v", err)
	}

	alarms := make(chan os.Signal, 1)
	if m.Child.Alarm > 0 {
		signal.Notify(alarms, sigalrm)
		if err := setAlarm(m.Child.Alarm); err != nil {
			// no interval timer; fall back to the runtime's
			t := time.AfterFunc(m.Child.Alarm, func() { alarms <- sigalrm })
			defer t.Stop()
		}
	}
	// The runtime ignores SIGXCPU unless asked for it, which would leave the
	// hard limit's SIGKILL as the only signal.
	cpu := make(chan os.Signal, 1)
	if m.Child.CPUSeconds > 0 && sigxcpu != nil {
		signal.Notify(cpu, sigxcpu)
	}
	go func() {
		var (
			o    *tool.Outcome
			code int
		)
		select {
		case <-alarms:
			env.Thread.Cancel("wall clock limit exceeded")
			o, code = tool.TimedOut(fmt.Sprintf("exceeded %s wall clock limit", m.Child.Alarm)), exitAlarm
		case <-cpu:
			env.Thread.Cancel("cpu time limit exceeded")
			o, code = tool.Exceeded(tool.LimitCPU), exitCPU
		}
		o.Output = env.Output()
		out.emit(newRecord(o, imports.snapshot()))
		os.Exit(code)
	}()

	g := governor.New(governor.Config{MaxConcurrent: 1})
	lease, err := g.Acquire(context.Background(), m.Limits)
	if err != nil {
		return fail("acquire lease: %v", err)
	}
	defer lease.Release()

	runtime.LockOSThread()
	stop := lease.Watch(context.Background(), gettid(), env.Trip)
	v, callErr := env.Call(params)
	stop()

	o := env.Outcome(v, callErr)
	out.emit(newRecord(o, imports.snapshot()))
	if o.Success() {
		return exitSuccess
	}
	return exitToolFail
}
