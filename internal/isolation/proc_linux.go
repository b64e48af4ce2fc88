//go:build linux

package isolation

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"golang.org/x/sys/unix"
)

var (
	sigalrm os.Signal = unix.SIGALRM
	sigxcpu os.Signal = unix.SIGXCPU
)

func gettid() int { return unix.Gettid() }

// applyRlimits caps the worker's descriptors, CPU seconds and file size.
// The CPU hard limit sits one second above the soft one so SIGXCPU arrives
// before SIGKILL.
func applyRlimits(l governor.ChildLimits) error {
	var errs []error
	if l.NoFile > 0 {
		errs = append(errs, unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: l.NoFile, Max: l.NoFile}))
	}
	if l.CPUSeconds > 0 {
		errs = append(errs, unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: l.CPUSeconds, Max: l.CPUSeconds + 1}))
	}
	if l.FileSize > 0 {
		errs = append(errs, unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: l.FileSize, Max: l.FileSize}))
	}
	return errors.Join(errs...)
}

// setAlarm arms ITIMER_REAL so the kernel delivers SIGALRM after d.
func setAlarm(d time.Duration) error {
	_, err := unix.Setitimer(unix.ItimerReal, unix.Itimerval{Value: unix.NsecToTimeval(d.Nanoseconds())})
	return err
}

// configureCmd puts the worker in its own process group and makes
// cancellation kill the whole group.
func configureCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
}

// signalOutcome maps a worker killed by a resource signal to its outcome.
func signalOutcome(state *os.ProcessState, c governor.ChildLimits) *tool.Outcome {
	if state == nil {
		return nil
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return nil
	}
	return limitSignal(ws.Signal(), state.UserTime()+state.SystemTime(), c)
}

// limitSignal maps a terminating signal and the CPU time the worker used.
// A SIGKILL at or past the CPU limit is the hard RLIMIT_CPU.
func limitSignal(sig syscall.Signal, cpu time.Duration, c governor.ChildLimits) *tool.Outcome {
	switch sig {
	case unix.SIGXCPU:
		return tool.Exceeded(tool.LimitCPU)
	case unix.SIGXFSZ:
		return tool.Exceeded(tool.LimitOutput)
	case unix.SIGKILL:
		if c.CPUSeconds > 0 && cpu >= time.Duration(c.CPUSeconds)*time.Second {
			return tool.Exceeded(tool.LimitCPU)
		}
	}
	return nil
}
