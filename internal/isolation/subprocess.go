package isolation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// recordOverhead is the room a record needs beyond the tool's own output.
const recordOverhead = 4 << 20

// stderrLimit bounds how much worker stderr is kept for logs.
const stderrLimit = 8 << 10

// SubprocessConfig configures a Subprocess executor.
type SubprocessConfig struct {
	// Binary is the worker executable. Empty means this executable.
	Binary string
	// Args are placed before ChildMarker. Tests use this to steer the test
	// binary into its worker hook.
	Args     []string
	Auditor  sandbox.Auditor
	Governor *governor.Governor
	Policies PolicySource
	Logger   *zap.Logger
}

// Subprocess runs each tool in a fresh worker process with a scratch
// directory, a minimal environment and kernel resource limits. The parent
// enforces a supervisory timeout of its own and kills the worker's process
// group when it fires.
type Subprocess struct {
	binary   string
	args     []string
	auditor  sandbox.Auditor
	governor *governor.Governor
	policies PolicySource
	logger   *zap.Logger

	// started, when set, observes each worker's pid.
	started func(pid int)
}

// NewSubprocess creates a subprocess executor.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("NewSubprocess: %w", err)
		}
		cfg.Binary = exe
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Subprocess{
		binary:   cfg.Binary,
		args:     cfg.Args,
		auditor:  cfg.Auditor,
		governor: cfg.Governor,
		policies: cfg.Policies,
		logger:   cfg.Logger,
	}, nil
}

func (x *Subprocess) Execute(ctx context.Context, ct *sandbox.CompiledTool, req tool.Request) *tool.Outcome {
	return x.execute(ctx, ct, req, x.policies.Current())
}

func (x *Subprocess) execute(ctx context.Context, ct *sandbox.CompiledTool, req tool.Request, p *policy.Policy) *tool.Outcome {
	start := time.Now()
	limits := p.Limits.WithDeadline(req.Deadline)
	child := governor.SubprocessLimits(limits)

	if x.governor != nil {
		lease, err := x.governor.Acquire(ctx, tool.Limits{})
		if err != nil {
			if ctx.Err() != nil {
				return finish(tool.TimedOut("no execution slot before the request ended"), start)
			}
			return finish(tool.Internal("acquire lease: %v", err), start)
		}
		defer lease.Release()
	}

	dir, err := os.MkdirTemp("", "tool-sandbox-*")
	if err != nil {
		return finish(tool.Internal("scratch directory: %v", err), start)
	}
	defer os.RemoveAll(dir)

	if err := x.stage(dir, ct, req, p, limits, child); err != nil {
		return finish(tool.Internal("stage worker: %v", err), start)
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return finish(tool.Internal("encode params: %v", err), start)
	}

	runCtx, cancel := context.WithTimeout(ctx, child.Supervisor)
	defer cancel()

	args := append(append([]string{}, x.args...), ChildMarker, dir, string(params))
	cmd := exec.CommandContext(runCtx, x.binary, args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"GOMAXPROCS=1",
	}
	if child.MemoryBytes > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("GOMEMLIMIT=%d", child.MemoryBytes))
	}
	cmd.WaitDelay = time.Second
	configureCmd(cmd)

	stderr := &cappedBuffer{max: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finish(tool.Internal("stdout pipe: %v", err), start)
	}
	if err := cmd.Start(); err != nil {
		return finish(tool.Internal("start worker: %v", err), start)
	}
	if x.started != nil {
		x.started(cmd.Process.Pid)
	}

	raw, readErr := io.ReadAll(io.LimitReader(stdout, child.OutputBytes+recordOverhead))
	// Drain whatever exceeds the cap so the worker is not stuck on a full pipe.
	io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return finish(tool.TimedOut(fmt.Sprintf("worker exceeded %s supervisory timeout", child.Supervisor)), start)
	case ctx.Err() != nil:
		return finish(tool.TimedOut(fmt.Sprintf("request ended: %v", ctx.Err())), start)
	}

	rec, err := readRecord(bytes.NewReader(raw))
	if err != nil || readErr != nil {
		if o := signalOutcome(cmd.ProcessState, child); o != nil {
			return finish(o, start)
		}
		x.logger.Error("worker produced no usable record",
			zap.String("tenant_id", ct.TenantID),
			zap.String("tool_id", ct.ToolID),
			zap.NamedError("record_error", err),
			zap.NamedError("wait_error", waitErr),
			zap.String("stderr", stderr.String()),
		)
		return finish(tool.Internal("worker produced no usable record (exit: %v)", waitErr), start)
	}

	x.replayImports(ct, rec.Imports)

	out := rec.outcome()
	if out.Success() && waitErr != nil {
		return finish(tool.Internal("worker reported success but exited with %v", waitErr), start)
	}
	return finish(out, start)
}

// stage writes the worker's inputs into dir, readable only by this user.
// The signing secret never leaves the parent.
func (x *Subprocess) stage(dir string, ct *sandbox.CompiledTool, req tool.Request, p *policy.Policy, limits tool.Limits, child governor.ChildLimits) error {
	bytecode := ct.Bytecode()
	if len(bytecode) == 0 {
		return errors.New("compiled tool has no bytecode")
	}
	scrubbed := *p
	scrubbed.SigningSecret = ""
	pol, err := yaml.Marshal(&scrubbed)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	man, err := json.Marshal(manifest{
		ToolID:      ct.ToolID,
		TenantID:    ct.TenantID,
		ContentHash: ct.ContentHash,
		RequestID:   req.RequestID,
		Limits:      limits,
		Child:       child,
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	for name, data := range map[string][]byte{
		programFile:  bytecode,
		policyFile:   pol,
		manifestFile: man,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (x *Subprocess) replayImports(ct *sandbox.CompiledTool, attempts []importAttempt) {
	if x.auditor == nil {
		return
	}
	for _, a := range attempts {
		x.auditor.ImportAttempt(ct.TenantID, ct.ToolID, a.Module, a.Allowed)
	}
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
