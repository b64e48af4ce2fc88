// Package engine wires the validation pipeline, the tool cache and the
// executors into the two operations callers see: Submit and Run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/artifact"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/isolation"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/prefilter"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/schema"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/signer"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/toolcache"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the Engine's collaborators. Registry is optional; without it
// Run only finds tools that were submitted directly.
type Config struct {
	Policies *policy.Store
	Signers  *signer.Set
	Cache    *toolcache.Cache
	Executor isolation.Executor
	Auditor  *Auditor
	Metrics  *metrics.Collector
	Registry registry.ToolRegistry
	// LoadConcurrency bounds parallel compiles during ReloadTools.
	LoadConcurrency int
	Logger          *zap.Logger
}

// Engine is the service core.
type Engine struct {
	policies *policy.Store
	signers  *signer.Set
	cache    *toolcache.Cache
	executor isolation.Executor
	audit    *Auditor
	metrics  *metrics.Collector
	registry registry.ToolRegistry
	loadConc int
	logger   *zap.Logger

	filters prefilter.Cache
	schemas sync.Map // content hash -> *schema.Schema
}

// New creates an Engine. It subscribes to policy changes: a new signing
// secret rotates the signer set, and any change empties the tool cache so
// that every tool is revalidated under the policy in force.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = 8
	}
	e := &Engine{
		policies: cfg.Policies,
		signers:  cfg.Signers,
		cache:    cfg.Cache,
		executor: cfg.Executor,
		audit:    cfg.Auditor,
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
		loadConc: cfg.LoadConcurrency,
		logger:   cfg.Logger,
	}
	cfg.Policies.OnChange(e.policyChanged)
	return e
}

func (e *Engine) policyChanged(p *policy.Policy) {
	if p.SigningSecret != "" {
		if err := e.signers.Rotate(p.SigningSecret); err != nil {
			e.logger.Error("signing secret rotation failed", zap.Error(err))
		}
	}
	e.cache.Purge()
	e.logger.Info("policy changed, tool cache purged", zap.String("policy_version", p.Version))
}

// Sign signs def with the current secret. Submitters that hold no secret of
// their own go through this.
func (e *Engine) Sign(def tool.Definition) (tool.Definition, error) {
	return e.signers.Sign(def)
}

// Submit verifies, validates and compiles def, and installs the result in
// the cache. Identical concurrent submissions run the pipeline once.
//
// Errors: signer.ErrSignatureInvalid, schema.ErrInvalidSchema, and a
// *tool.ReportError unwrapping to tool.ErrSyntax or tool.ErrSecurityViolation
// whose report is also returned.
func (e *Engine) Submit(ctx context.Context, def tool.Definition) (*sandbox.CompiledTool, *tool.Report, error) {
	p := e.policies.Current()
	ct, report, err := e.cache.Compile(ctx, def, func(ctx context.Context, def tool.Definition) (*sandbox.CompiledTool, *tool.Report, error) {
		return e.pipeline(p, def)
	})

	var re *tool.ReportError
	switch {
	case err == nil, errors.As(err, &re):
	case errors.Is(err, signer.ErrSignatureInvalid):
		e.audit.compilation(def, nil, "signature invalid")
		e.metrics.RecordCompilation(metrics.CompileSignatureInvalid, 0)
		e.logger.Warn("rejected definition with invalid signature",
			zap.String("tenant_id", def.TenantID),
			zap.String("tool_id", def.ToolID),
		)
	default:
		e.audit.compilation(def, nil, err.Error())
		e.metrics.RecordCompilation(metrics.CompileError, 0)
	}
	return ct, report, err
}

// pipeline is the cache's compile function: schema, pre-filter, static
// validation, compile, artifact inspection. Each stage runs only if the
// previous one came back clean. The compilation event is emitted here so
// that collapsed submissions produce exactly one.
func (e *Engine) pipeline(p *policy.Policy, def tool.Definition) (*sandbox.CompiledTool, *tool.Report, error) {
	start := time.Now()

	sch, err := schema.Compile(def.InputSchema)
	if err != nil {
		return nil, nil, err
	}
	ct, report, err := e.stages(p, def)
	if err != nil {
		return nil, nil, err
	}

	e.audit.compilation(def, report, "")
	if report.Clean() {
		e.schemas.Store(def.ContentHash, sch)
		e.metrics.RecordCompilation(metrics.CompileAccepted, time.Since(start))
		e.logger.Info("tool compiled",
			zap.String("tenant_id", def.TenantID),
			zap.String("tool_id", def.ToolID),
			zap.String("content_hash", def.ContentHash),
			zap.Strings("imports", report.Imports),
		)
	} else {
		e.metrics.RecordCompilation(metrics.CompileRejected, time.Since(start))
	}
	return ct, report, nil
}

func (e *Engine) stages(p *policy.Policy, def tool.Definition) (*sandbox.CompiledTool, *tool.Report, error) {
	if r := e.filters.For(p).Scan(def.SourceCode); !r.Clean() {
		return nil, r, nil
	}

	unit, report := validator.New(p).Validate(def.ToolID+".star", def.SourceCode)
	if !report.Clean() {
		return nil, report, nil
	}

	prog, r := sandbox.Compile(unit, p)
	report.Merge(r)
	if !report.Clean() {
		return nil, report, nil
	}

	report.Merge(artifact.New(p).Inspect(unit, prog))
	if !report.Clean() {
		return nil, report, nil
	}

	ct, err := sandbox.NewCompiledTool(def, prog, report)
	if err != nil {
		return nil, nil, err
	}
	return ct, report, nil
}

// Lookup returns the compiled tool for (tenant, tool). On a cache miss it
// loads the definition from the registry and submits it.
func (e *Engine) Lookup(ctx context.Context, tenantID, toolID string) (*sandbox.CompiledTool, error) {
	if ct, ok := e.cache.Get(tenantID, toolID); ok {
		return ct, nil
	}
	if e.registry == nil {
		return nil, fmt.Errorf("Lookup %s/%s: %w", tenantID, toolID, tool.ErrToolNotFound)
	}
	def, err := e.registry.LoadTool(ctx, tenantID, toolID)
	if err != nil {
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	if def == nil {
		return nil, fmt.Errorf("Lookup %s/%s: %w", tenantID, toolID, tool.ErrToolNotFound)
	}
	ct, _, err := e.Submit(ctx, *def)
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// ValidateParams checks params against the tool's input schema.
func (e *Engine) ValidateParams(ctx context.Context, tenantID, toolID string, params map[string]any) error {
	ct, err := e.Lookup(ctx, tenantID, toolID)
	if err != nil {
		return err
	}
	return e.schemaFor(ct).Validate(params)
}

func (e *Engine) schemaFor(ct *sandbox.CompiledTool) *schema.Schema {
	if v, ok := e.schemas.Load(ct.ContentHash); ok {
		return v.(*schema.Schema)
	}
	// Compiled before this engine saw it; the schema compiled at submit.
	sch, err := schema.Compile(ct.Definition.InputSchema)
	if err != nil {
		return nil
	}
	e.schemas.Store(ct.ContentHash, sch)
	return sch
}

// Run executes a request and audits the outcome. It never returns nil.
func (e *Engine) Run(ctx context.Context, req tool.Request) *tool.Outcome {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	start := time.Now()

	ct, err := e.Lookup(ctx, req.TenantID, req.ToolID)
	if err != nil {
		out := lookupOutcome(err)
		out.Duration = time.Since(start)
		e.audit.execution(req, "", "", out)
		return out
	}

	mode := isolation.Mode(e.policies.Current(), ct)
	var out *tool.Outcome
	if err := e.schemaFor(ct).Validate(req.Params); err != nil {
		out = tool.ToolFailed("invalid_params", err.Error())
		out.Duration = time.Since(start)
	} else {
		out = e.executor.Execute(ctx, ct, req)
	}
	e.audit.execution(req, ct.ContentHash, mode, out)
	return out
}

func lookupOutcome(err error) *tool.Outcome {
	var re *tool.ReportError
	switch {
	case errors.Is(err, tool.ErrToolNotFound):
		return tool.ToolFailed("not_found", err.Error())
	case errors.Is(err, signer.ErrSignatureInvalid):
		return &tool.Outcome{Kind: tool.OutcomeSignatureInvalid, Message: err.Error()}
	case errors.As(err, &re):
		return tool.Violated(re.Report)
	default:
		return tool.Internal("%v", err)
	}
}

// ReloadResult counts what ReloadTools did.
type ReloadResult struct {
	Loaded   int `json:"loaded"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// ReloadTools compiles every active definition in the registry, or only
// tenantID's when it is non-empty. Rejections and signature failures are
// counted, not returned; only a registry failure is an error.
func (e *Engine) ReloadTools(ctx context.Context, tenantID string) (ReloadResult, error) {
	if e.registry == nil {
		return ReloadResult{}, nil
	}
	var (
		defs []tool.Definition
		err  error
	)
	if tenantID == "" {
		defs, err = e.registry.LoadAll(ctx)
	} else {
		defs, err = e.registry.LoadTenantTools(ctx, tenantID)
	}
	if err != nil {
		return ReloadResult{}, fmt.Errorf("ReloadTools: %w", err)
	}

	var (
		mu  sync.Mutex
		res ReloadResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.loadConc)
	for _, def := range defs {
		g.Go(func() error {
			_, _, err := e.Submit(gctx, def)
			var re *tool.ReportError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Loaded++
			case errors.As(err, &re):
				res.Rejected++
			default:
				res.Failed++
				e.logger.Warn("tool reload failed",
					zap.String("tenant_id", def.TenantID),
					zap.String("tool_id", def.ToolID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("tools reloaded",
		zap.String("tenant_id", tenantID),
		zap.Int("loaded", res.Loaded),
		zap.Int("rejected", res.Rejected),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Invalidate drops one compiled tool, and its registry cache entry when the
// registry keeps one.
func (e *Engine) Invalidate(tenantID, toolID string) bool {
	if f, ok := e.registry.(interface{ Forget(tenantID, toolID string) }); ok {
		f.Forget(tenantID, toolID)
	}
	return e.cache.Invalidate(tenantID, toolID)
}

// InvalidateTenant drops every compiled tool of one tenant.
func (e *Engine) InvalidateTenant(tenantID string) int {
	return e.cache.InvalidateTenant(tenantID)
}

// Purge drops every compiled tool.
func (e *Engine) Purge() {
	e.cache.Purge()
}

// Tools lists compiled tools, optionally for one tenant.
func (e *Engine) Tools(tenantID string) []*sandbox.CompiledTool {
	return e.cache.List(tenantID)
}

// ToolSchema describes a tool for discovery, in the shape MCP clients expect.
func ToolSchema(ct *sandbox.CompiledTool) map[string]any {
	name := ct.Definition.Name
	if name == "" {
		name = ct.ToolID
	}
	desc := ct.Definition.Description
	if desc == "" {
		desc = name + " tool"
	}
	input := ct.Definition.InputSchema
	if input == nil {
		input = map[string]any{"type": "object"}
	}
	return map[string]any{
		"name":        name,
		"description": desc,
		"inputSchema": input,
	}
}

// Status is a point-in-time summary for operators.
type Status struct {
	PolicyVersion string `json:"policy_version"`
	Mode          string `json:"mode"`
	CachedEntries int    `json:"cached_entries"`
	CompiledTools int    `json:"compiled_tools"`
	CacheHits     int64  `json:"cache_hits"`
	CacheMisses   int64  `json:"cache_misses"`
}

func (e *Engine) Status() Status {
	p := e.policies.Current()
	hits, misses := e.cache.Stats()
	return Status{
		PolicyVersion: p.Version,
		Mode:          p.Mode,
		CachedEntries: e.cache.Len(),
		CompiledTools: len(e.cache.List("")),
		CacheHits:     hits,
		CacheMisses:   misses,
	}
}
