package tool

import "time"

// Limits is the ceiling tuple for a single execution.
type Limits struct {
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	MaxCPU         time.Duration `yaml:"max_cpu"`
	MaxWall        time.Duration `yaml:"max_wall"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	MaxOpenFiles   int           `yaml:"max_open_files"`
}

// DefaultLimits returns the canonical ceiling.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes: 64 << 20,
		MaxCPU:         10 * time.Second,
		MaxWall:        30 * time.Second,
		MaxOutputBytes: 1 << 20,
		MaxOpenFiles:   16,
	}
}

// Clamp lowers every field of l that exceeds ceiling. Zero fields in l take
// the ceiling value. The result never exceeds ceiling.
func (l Limits) Clamp(ceiling Limits) Limits {
	out := ceiling
	if l.MaxMemoryBytes > 0 && l.MaxMemoryBytes < ceiling.MaxMemoryBytes {
		out.MaxMemoryBytes = l.MaxMemoryBytes
	}
	if l.MaxCPU > 0 && l.MaxCPU < ceiling.MaxCPU {
		out.MaxCPU = l.MaxCPU
	}
	if l.MaxWall > 0 && l.MaxWall < ceiling.MaxWall {
		out.MaxWall = l.MaxWall
	}
	if l.MaxOutputBytes > 0 && l.MaxOutputBytes < ceiling.MaxOutputBytes {
		out.MaxOutputBytes = l.MaxOutputBytes
	}
	if l.MaxOpenFiles > 0 && l.MaxOpenFiles < ceiling.MaxOpenFiles {
		out.MaxOpenFiles = l.MaxOpenFiles
	}
	return out
}

// WithDeadline lowers MaxWall to d when d is positive and smaller.
func (l Limits) WithDeadline(d time.Duration) Limits {
	if d > 0 && d < l.MaxWall {
		l.MaxWall = d
	}
	return l
}

// Limit names carried by ResourceExceeded outcomes.
const (
	LimitMemory    = "memory"
	LimitCPU       = "cpu"
	LimitOutput    = "output"
	LimitOpenFiles = "open_files"
)
