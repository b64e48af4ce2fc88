package engine

import (
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.uber.org/zap"
)

// Auditor turns pipeline results into audit events and metrics. It is also
// the sandbox's import auditor, so runtime import attempts land in the same
// sink as everything else.
type Auditor struct {
	events  storage.EventWriter
	metrics *metrics.Collector
	logger  *zap.Logger
}

var _ sandbox.Auditor = (*Auditor)(nil)

// NewAuditor creates an Auditor. metrics may be nil.
func NewAuditor(events storage.EventWriter, m *metrics.Collector, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{events: events, metrics: m, logger: logger}
}

func (a *Auditor) ImportAttempt(tenantID, toolID, module string, allowed bool) {
	e := storage.NewEvent(storage.EventImport, tenantID, toolID)
	e.Module = module
	e.Allowed = allowed
	a.events.Write(e)
	a.metrics.RecordImport(allowed)
}

// compilation records one pipeline run. report is nil when the pipeline
// never ran, as for a bad signature.
func (a *Auditor) compilation(def tool.Definition, report *tool.Report, message string) {
	e := storage.NewEvent(storage.EventCompilation, def.TenantID, def.ToolID)
	e.ContentHash = def.ContentHash
	e.Success = report != nil && report.Clean() && message == ""
	e.Message = message
	if report != nil {
		e.ViolationKinds = report.Kinds()
	}
	a.events.Write(e)
	if !report.Clean() {
		a.violation(def.TenantID, def.ToolID, def.ContentHash, "", report)
	}
}

func (a *Auditor) violation(tenantID, toolID, contentHash, requestID string, report *tool.Report) {
	e := storage.NewEvent(storage.EventViolation, tenantID, toolID)
	e.ContentHash = contentHash
	e.RequestID = requestID
	e.ViolationKinds = report.Kinds()
	e.Details = report.Details()
	a.events.Write(e)
	a.metrics.RecordViolations(e.ViolationKinds)
	a.logger.Warn("security violation",
		zap.String("tenant_id", tenantID),
		zap.String("tool_id", toolID),
		zap.String("request_id", requestID),
		zap.Strings("violation_kinds", e.ViolationKinds),
	)
}

func (a *Auditor) execution(req tool.Request, contentHash, mode string, out *tool.Outcome) {
	e := storage.NewEvent(storage.EventExecution, req.TenantID, req.ToolID)
	e.RequestID = req.RequestID
	e.ContentHash = contentHash
	e.Success = out.Success()
	e.Outcome = string(out.Kind)
	e.ErrorKind = out.ErrorKind
	e.Limit = out.Limit
	e.Message = out.Message
	e.Mode = mode
	e.DurationMs = float32(out.Duration.Microseconds()) / 1000
	a.events.Write(e)
	a.metrics.RecordExecution(string(out.Kind), mode, out.Duration)

	switch out.Kind {
	case tool.OutcomeSecurityViolation:
		a.violation(req.TenantID, req.ToolID, contentHash, req.RequestID, out.Report)
	case tool.OutcomeInternalError:
		a.logger.Error("tool execution failed internally",
			zap.String("tenant_id", req.TenantID),
			zap.String("tool_id", req.ToolID),
			zap.String("request_id", req.RequestID),
			zap.String("message", out.Message),
		)
	}
}
