// Package governor bounds concurrent executions and watches their memory and
// CPU consumption.
package governor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultSampleInterval is how often a watcher samples heap and CPU.
const DefaultSampleInterval = 5 * time.Millisecond

// Config configures a Governor.
type Config struct {
	MaxConcurrent  int64
	SampleInterval time.Duration
	Logger         *zap.Logger
}

// Governor hands out execution leases. While any lease is held the process
// runs under a soft memory limit sized for the active leases; releasing the
// last lease restores the limit that was in place before the first.
//
// The Go heap cannot be attributed to a goroutine, so at most one lease with
// a memory ceiling is held at a time. Leases without one (subprocess
// supervision) only take a concurrency slot.
type Governor struct {
	sem      *semaphore.Weighted
	memory   *semaphore.Weighted
	interval time.Duration
	fs       *procfs.FS
	logger   *zap.Logger

	mu       sync.Mutex
	active   int
	reserved int64
	base     int64
	previous int64
}

// New creates a Governor. CPU sampling is disabled when procfs is not
// mounted.
func New(cfg Config) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Governor{
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		memory:   semaphore.NewWeighted(1),
		interval: cfg.SampleInterval,
		logger:   cfg.Logger,
	}
	if fs, err := procfs.NewFS(procfs.DefaultMountPoint); err == nil {
		g.fs = &fs
	} else {
		cfg.Logger.Warn("procfs unavailable, thread CPU sampling disabled", zap.Error(err))
	}
	return g
}

// Lease is one execution's share of the governor.
type Lease struct {
	g      *Governor
	limits tool.Limits
	once   sync.Once
}

// Acquire blocks until a slot is free or ctx is done, then installs the
// memory limit for limits. A lease with a memory ceiling also waits for the
// memory slot.
func (g *Governor) Acquire(ctx context.Context, limits tool.Limits) (*Lease, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("Acquire: %w", err)
	}
	if limits.MaxMemoryBytes > 0 {
		if err := g.memory.Acquire(ctx, 1); err != nil {
			g.sem.Release(1)
			return nil, fmt.Errorf("Acquire: memory slot: %w", err)
		}
	}

	g.mu.Lock()
	if g.active == 0 {
		g.previous = debug.SetMemoryLimit(-1)
		g.base = readUint64("/memory/classes/total:bytes")
	}
	g.active++
	g.reserved += limits.MaxMemoryBytes
	g.applyLocked()
	g.mu.Unlock()

	return &Lease{g: g, limits: limits}, nil
}

// applyLocked sets the soft limit to the runtime's footprint at first
// acquisition plus every active reservation. It never loosens a limit the
// operator configured.
func (g *Governor) applyLocked() {
	if g.reserved <= 0 {
		debug.SetMemoryLimit(g.previous)
		return
	}
	limit := g.base + g.reserved
	if g.previous < limit {
		limit = g.previous
	}
	debug.SetMemoryLimit(limit)
}

// Release returns the slot. The memory limit is recomputed, and restored to
// its original value when this was the last lease. Release is idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		g := l.g
		g.mu.Lock()
		g.active--
		g.reserved -= l.limits.MaxMemoryBytes
		if g.active == 0 {
			debug.SetMemoryLimit(g.previous)
			g.reserved = 0
		} else {
			g.applyLocked()
		}
		g.mu.Unlock()
		if l.limits.MaxMemoryBytes > 0 {
			g.memory.Release(1)
		}
		g.sem.Release(1)
	})
}

// Watch samples the heap the lease holds and, when tid is positive, the CPU
// time of that OS thread. The first breach calls onBreach once with
// tool.LimitMemory or tool.LimitCPU and ends the watch. The returned stop
// function ends the watch and waits for the sampler to exit.
//
// Held memory is live heap growth over the heap in use when Watch was
// called. Garbage is never charged: once the heap passes the ceiling a
// collection is forced before the live size is compared.
func (l *Lease) Watch(ctx context.Context, tid int, onBreach func(limit string)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	heap := newHeapSampler()
	var (
		proc     procfs.Proc
		startCPU float64
		haveCPU  bool
	)
	if tid > 0 && l.g.fs != nil && l.limits.MaxCPU > 0 {
		if p, err := l.g.fs.Thread(os.Getpid(), tid); err == nil {
			if st, err := p.Stat(); err == nil {
				proc, startCPU, haveCPU = p, st.CPUTime(), true
			}
		}
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if ceiling := l.limits.MaxMemoryBytes; ceiling > 0 && heap.held(ceiling) > ceiling {
				onBreach(tool.LimitMemory)
				return
			}
		if haveCPU {
				st, err := proc.Stat()
				if err != nil {
					// thread exited
					haveCPU = false
					continue
				}
				if st.CPUTime()-startCPU > l.limits.MaxCPU.Seconds() {
					onBreach(tool.LimitCPU)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Active returns the number of held leases.
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

const (
	liveHeap    = "/gc/heap/live:bytes"
	heapObjects = "/memory/classes/heap/objects:bytes"
	gcCycles    = "/gc/cycles/total:gc-cycles"
)

// heapSampler measures live heap growth since it was created.
type heapSampler struct {
	base   int64
	cycles int64
}

func newHeapSampler() *heapSampler {
	// The live figure is from the last collection and may still count
	// memory freed since; objects bounds it from above once swept.
	base := readUint64(liveHeap)
	if objects := readUint64(heapObjects); objects < base {
		base = objects
	}
	return &heapSampler{base: base, cycles: readUint64(gcCycles)}
}

// held returns the live heap growth. It is cheap while the heap, garbage
// included, stays under base+ceiling, and otherwise forces at most one
// collection per call when none has finished since the last look.
func (h *heapSampler) held(ceiling int64) int64 {
	if readUint64(heapObjects)-h.base <= ceiling {
		return 0
	}
	if readUint64(gcCycles) == h.cycles {
		runtime.GC()
	}
	h.cycles = readUint64(gcCycles)
	return readUint64(liveHeap) - h.base
}

func readUint64(name string) int64 {
	s := []metrics.Sample{{Name: name}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}
