//go:build !linux

package isolation

import (
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

var (
	sigalrm os.Signal = os.Interrupt
	sigxcpu os.Signal
)

func gettid() int { return 0 }

func applyRlimits(governor.ChildLimits) error { return nil }

func setAlarm(time.Duration) error { return errors.New("interval timer unsupported") }

func configureCmd(*exec.Cmd) {}

func signalOutcome(*os.ProcessState, governor.ChildLimits) *tool.Outcome { return nil }
