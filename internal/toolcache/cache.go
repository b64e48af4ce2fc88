// Package toolcache holds compiled tools keyed by tenant and tool id.
package toolcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/signer"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Verifier checks a definition's content hash and signature.
type Verifier interface {
	Verify(def tool.Definition) bool
}

// CompileFunc runs the validation pipeline for one definition. It returns a
// compiled tool and a clean report, or a nil tool and the rejecting report.
// A non-nil error means the pipeline itself failed and nothing is cached.
type CompileFunc func(ctx context.Context, def tool.Definition) (*sandbox.CompiledTool, *tool.Report, error)

// Cache maps (tenant, tool_id) to the compiled form of exactly one content
// hash. Entries are immutable and replaced whole, so readers on the hot path
// never lock. When compiles of different hashes overlap, the one submitted
// last stays installed whichever finishes first.
type Cache struct {
	store    sync.Map // map[string]*entry
	group    singleflight.Group
	verifier Verifier
	logger   *zap.Logger
	seq      atomic.Uint64

	hits   atomic.Int64
	misses atomic.Int64
}

var _ sandbox.Resolver = (*Cache)(nil)

type entry struct {
	gen    uint64 // submission order
	hash   string
	tool   *sandbox.CompiledTool // nil = negative entry (rejected source)
	report *tool.Report
}

type result struct {
	tool   *sandbox.CompiledTool
	report *tool.Report
}

// New creates an empty cache that verifies with v.
func New(v Verifier, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{verifier: v, logger: logger}
}

func cacheKey(tenantID, toolID string) string {
	return tenantID + "\x00" + toolID
}

// Compile returns the compiled tool for def, running compile at most once
// per (tenant, tool_id, content_hash) no matter how many callers race. A
// rejected definition returns its report and a *tool.ReportError; the
// rejection is cached as well.
func (c *Cache) Compile(ctx context.Context, def tool.Definition, compile CompileFunc) (*sandbox.CompiledTool, *tool.Report, error) {
	if !c.verifier.Verify(def) {
		return nil, nil, fmt.Errorf("Compile %s/%s: %w", def.TenantID, def.ToolID, signer.ErrSignatureInvalid)
	}

	key := cacheKey(def.TenantID, def.ToolID)
	if e, ok := c.lookup(key); ok && e.hash == def.ContentHash {
		c.hits.Add(1)
		return e.result()
	}
	c.misses.Add(1)
	gen := c.seq.Add(1)

	ch := c.group.DoChan(key+"\x00"+def.ContentHash, func() (any, error) {
		// A racing flight for the same hash may have installed already.
		if e, ok := c.lookup(key); ok && e.hash == def.ContentHash {
			return result{tool: e.tool, report: e.report}, nil
		}
		ct, report, err := compile(context.WithoutCancel(ctx), def)
		if err != nil {
			return nil, err
		}
		if report == nil {
			report = &tool.Report{}
		}
		if report.Clean() && ct == nil {
			return nil, fmt.Errorf("compile returned neither a tool nor violations")
		}
		if !report.Clean() {
			ct = nil
		}
		if !c.install(key, &entry{gen: gen, hash: def.ContentHash, tool: ct, report: report}) {
			c.logger.Debug("tool cache kept newer submission",
				zap.String("tenant_id", def.TenantID),
				zap.String("tool_id", def.ToolID),
				zap.String("content_hash", def.ContentHash),
			)
			return result{tool: ct, report: report}, nil
		}
		c.logger.Debug("tool cache installed",
			zap.String("tenant_id", def.TenantID),
			zap.String("tool_id", def.ToolID),
			zap.String("content_hash", def.ContentHash),
			zap.Bool("rejected", ct == nil),
		)
		return result{tool: ct, report: report}, nil
	})

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, fmt.Errorf("Compile %s/%s: %w", def.TenantID, def.ToolID, res.Err)
		}
		r := res.Val.(result)
		if r.tool == nil {
			return nil, r.report, &tool.ReportError{Report: r.report}
		}
		return r.tool, r.report, nil
	}
}

// install stores e unless the entry in place came from a later submission.
func (c *Cache) install(key string, e *entry) bool {
	for {
		cur, ok := c.store.Load(key)
		if !ok {
			if _, loaded := c.store.LoadOrStore(key, e); !loaded {
				return true
			}
			continue
		}
		if cur.(*entry).gen > e.gen {
			return false
		}
		if c.store.CompareAndSwap(key, cur, e) {
			return true
		}
	}
}

func (c *Cache) lookup(key string) (*entry, bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (e *entry) result() (*sandbox.CompiledTool, *tool.Report, error) {
	if e.tool == nil {
		return nil, e.report, &tool.ReportError{Report: e.report}
	}
	return e.tool, e.report, nil
}

// Get returns the compiled tool for (tenant, tool_id). Negative entries are
// reported as absent.
func (c *Cache) Get(tenantID, toolID string) (*sandbox.CompiledTool, bool) {
	e, ok := c.lookup(cacheKey(tenantID, toolID))
	if !ok || e.tool == nil {
		return nil, false
	}
	return e.tool, true
}

// Invalidate removes the entry for (tenant, tool_id). It reports whether an
// entry was present.
func (c *Cache) Invalidate(tenantID, toolID string) bool {
	_, ok := c.store.LoadAndDelete(cacheKey(tenantID, toolID))
	return ok
}

// InvalidateTenant removes every entry of one tenant and returns how many.
func (c *Cache) InvalidateTenant(tenantID string) int {
	n := 0
	prefix := tenantID + "\x00"
	c.store.Range(func(k, _ any) bool {
		if key := k.(string); strings.HasPrefix(key, prefix) {
			c.store.Delete(key)
			n++
		}
		return true
	})
	return n
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.store.Range(func(k, _ any) bool {
		c.store.Delete(k)
		return true
	})
}

// Len counts entries, negative ones included.
func (c *Cache) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// List returns every compiled tool, optionally restricted to one tenant,
// ordered by tenant then tool id.
func (c *Cache) List(tenantID string) []*sandbox.CompiledTool {
	var out []*sandbox.CompiledTool
	c.store.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.tool != nil && (tenantID == "" || e.tool.TenantID == tenantID) {
			out = append(out, e.tool)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ToolID < out[j].ToolID
	})
	return out
}

// Stats returns hit and miss counts since start.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
