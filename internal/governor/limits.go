package governor

import (
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// SupervisorGrace is how long the parent waits past the wall ceiling before
// it kills a subprocess that did not report its own timeout.
const SupervisorGrace = 500 * time.Millisecond

// ChildLimits are the values a subprocess imposes on itself before running
// tool code, plus the parent's supervisory timeout.
type ChildLimits struct {
	NoFile      uint64        `json:"nofile"`       // RLIMIT_NOFILE
	CPUSeconds  uint64        `json:"cpu_seconds"`  // RLIMIT_CPU, rounded up
	FileSize    uint64        `json:"file_size"`    // RLIMIT_FSIZE
	MemoryBytes int64         `json:"memory_bytes"` // GOMEMLIMIT and heap watcher ceiling
	OutputBytes int64         `json:"output_bytes"`
	Alarm       time.Duration `json:"alarm"` // ITIMER_REAL
	Supervisor  time.Duration `json:"-"`
}

// SubprocessLimits translates an execution's limits for a child process.
func SubprocessLimits(l tool.Limits) ChildLimits {
	cpu := uint64((l.MaxCPU + time.Second - 1) / time.Second)
	if cpu == 0 {
		cpu = 1
	}
	return ChildLimits{
		NoFile:      uint64(l.MaxOpenFiles),
		CPUSeconds:  cpu,
		FileSize:    uint64(l.MaxOutputBytes),
		MemoryBytes: l.MaxMemoryBytes,
		OutputBytes: l.MaxOutputBytes,
		Alarm:       l.MaxWall,
		Supervisor:  l.MaxWall + SupervisorGrace,
	}
}
