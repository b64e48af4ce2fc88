// Package server exposes the engine over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/auth"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/schema"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/signer"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToolSandboxServer implements ToolSandboxService. The tenant every call
// acts for comes from the caller's API key.
type ToolSandboxServer struct {
	engine *engine.Engine
	auth   auth.Authenticator
	logger *zap.Logger
}

var _ ToolSandboxService = (*ToolSandboxServer)(nil)

func NewToolSandboxServer(eng *engine.Engine, authenticator auth.Authenticator, logger *zap.Logger) *ToolSandboxServer {
	return &ToolSandboxServer{engine: eng, auth: authenticator, logger: logger}
}

func (s *ToolSandboxServer) authenticate(ctx context.Context) (*auth.Tenant, error) {
	tenant, err := s.auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, status.Error(codes.Unauthenticated, "authentication failed")
		}
		s.logger.Error("authentication backend failed", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "authentication unavailable")
	}
	return tenant, nil
}

// SubmitTool validates and compiles a tool definition.
//
// Request: tool_id, source_code, and optionally name, description,
// input_schema, version, trusted, isolation, content_hash and signature.
// Definitions without a signature are signed here. Response: tool_id,
// content_hash, signature, imports.
func (s *ToolSandboxServer) SubmitTool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if !tenant.CanSubmit {
		return nil, status.Error(codes.PermissionDenied, "API key may not submit tools")
	}

	f := req.GetFields()
	def := tool.Definition{
		TenantID:    tenant.TenantID,
		ToolID:      f["tool_id"].GetStringValue(),
		Name:        f["name"].GetStringValue(),
		Description: f["description"].GetStringValue(),
		SourceCode:  f["source_code"].GetStringValue(),
		Version:     f["version"].GetStringValue(),
		Trusted:     f["trusted"].GetBoolValue(),
		Isolation:   f["isolation"].GetStringValue(),
		ContentHash: f["content_hash"].GetStringValue(),
		Signature:   f["signature"].GetStringValue(),
	}
	if def.ToolID == "" || def.SourceCode == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_id and source_code are required")
	}
	if sch := f["input_schema"].GetStructValue(); sch != nil {
		def.InputSchema = sch.AsMap()
	}
	if def.Signature == "" {
		if def, err = s.engine.Sign(def); err != nil {
			return nil, status.Errorf(codes.Internal, "signing failed: %v", err)
		}
	}

	_, report, err := s.engine.Submit(ctx, def)
	if err != nil {
		return nil, submitStatus(err, report)
	}

	imports := make([]any, len(report.Imports))
	for i, m := range report.Imports {
		imports[i] = m
	}
	return structpb.NewStruct(map[string]any{
		"tool_id":      def.ToolID,
		"content_hash": def.ContentHash,
		"signature":    def.Signature,
		"imports":      imports,
	})
}

func submitStatus(err error, report *tool.Report) error {
	var re *tool.ReportError
	switch {
	case errors.As(err, &re):
		st := status.New(codes.InvalidArgument, re.Error())
		if d, derr := violationDetails(report); derr == nil {
			if withDetails, werr := st.WithDetails(d); werr == nil {
				return withDetails.Err()
			}
		}
		return st.Err()
	case errors.Is(err, signer.ErrSignatureInvalid):
		return status.Error(codes.FailedPrecondition, "signature invalid")
	case errors.Is(err, schema.ErrInvalidSchema):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Errorf(codes.Internal, "compile failed: %v", err)
	}
}

// violationDetails attaches the structured report to a status.
func violationDetails(report *tool.Report) (*structpb.Struct, error) {
	if report == nil {
		return nil, errors.New("no report")
	}
	vs := make([]any, len(report.Violations))
	for i, v := range report.Violations {
		vs[i] = map[string]any{
			"kind":    string(v.Kind),
			"subject": v.Subject,
			"detail":  v.Detail,
			"line":    float64(v.Pos.Line),
			"col":     float64(v.Pos.Col),
		}
	}
	return structpb.NewStruct(map[string]any{"violations": vs})
}

// RunTool executes a compiled tool.
//
// Request: tool_id, params (object), and optionally request_id and
// deadline_ms. Response: request_id, outcome, and whichever of value,
// output, error_kind, message, limit and violations apply, plus
// duration_ms. Tool failures are reported in the response; only a missing
// tool, bad params, a bad signature and internal errors become statuses.
func (s *ToolSandboxServer) RunTool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	f := req.GetFields()
	r := tool.Request{
		RequestID: f["request_id"].GetStringValue(),
		TenantID:  tenant.TenantID,
		ToolID:    f["tool_id"].GetStringValue(),
		Deadline:  time.Duration(f["deadline_ms"].GetNumberValue()) * time.Millisecond,
	}
	if r.ToolID == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_id is required")
	}
	if p := f["params"].GetStructValue(); p != nil {
		r.Params = normalizeNumbers(p.AsMap()).(map[string]any)
	}

	out := s.engine.Run(ctx, r)
	switch {
	case out.Kind == tool.OutcomeToolError && out.ErrorKind == "not_found":
		return nil, status.Errorf(codes.NotFound, "tool %q not found", r.ToolID)
	case out.Kind == tool.OutcomeToolError && out.ErrorKind == "invalid_params":
		return nil, status.Error(codes.InvalidArgument, out.Message)
	case out.Kind == tool.OutcomeSignatureInvalid:
		return nil, status.Error(codes.FailedPrecondition, "signature invalid")
	case out.Kind == tool.OutcomeInternalError:
		return nil, status.Error(codes.Internal, out.Message)
	}
	return outcomeStruct(out)
}

func outcomeStruct(out *tool.Outcome) (*structpb.Struct, error) {
	m := map[string]any{
		"outcome":     string(out.Kind),
		"duration_ms": float64(out.Duration.Microseconds()) / 1000,
	}
	if out.Output != "" {
		m["output"] = out.Output
	}
	switch out.Kind {
	case tool.OutcomeSuccess:
		m["value"] = out.Value
	case tool.OutcomeToolError:
		m["error_kind"] = out.ErrorKind
		m["message"] = out.Message
	case tool.OutcomeSecurityViolation:
		if d, err := violationDetails(out.Report); err == nil {
			m["violations"] = d.Fields["violations"].AsInterface()
		}
	case tool.OutcomeResourceExceeded:
		m["limit"] = out.Limit
	case tool.OutcomeTimeout:
		m["message"] = out.Message
	}

	st, err := structpb.NewStruct(m)
	if err == nil {
		return st, nil
	}
	// structpb rejects some Go values the tool may return; JSON covers them.
	raw, jerr := json.Marshal(out.Value)
	if jerr != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	m["value"] = string(raw)
	m["value_encoding"] = "json"
	st, err = structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return st, nil
}

// normalizeNumbers turns whole JSON numbers back into integers so that a
// tool sees 3 where the caller sent 3.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) <= 1<<53 {
			return int64(x)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

// ListTools returns the discovery schema of every compiled tool of the
// caller's tenant. Response: tools (list of {name, description, inputSchema}).
func (s *ToolSandboxServer) ListTools(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	cts := s.engine.Tools(tenant.TenantID)
	tools := make([]any, len(cts))
	for i, ct := range cts {
		tools[i] = engine.ToolSchema(ct)
	}
	st, err := structpb.NewStruct(map[string]any{"tools": tools})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode tools: %v", err)
	}
	return st, nil
}

// GetToolSchema returns one tool's discovery schema, loading it from the
// registry if needed. Request: tool_id.
func (s *ToolSandboxServer) GetToolSchema(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	toolID := req.GetFields()["tool_id"].GetStringValue()
	if toolID == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_id is required")
	}
	ct, err := s.engine.Lookup(ctx, tenant.TenantID, toolID)
	switch {
	case errors.Is(err, tool.ErrToolNotFound):
		return nil, status.Errorf(codes.NotFound, "tool %q not found", toolID)
	case err != nil:
		return nil, submitStatus(err, nil)
	}
	st, err := structpb.NewStruct(engine.ToolSchema(ct))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode schema: %v", err)
	}
	return st, nil
}
