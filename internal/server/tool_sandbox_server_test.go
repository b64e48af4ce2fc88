package server

import (
	"context"
	"net"
	"testing"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/auth"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/isolation"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/signer"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/toolcache"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	acmeKey   = "tsk_acme_submitter_0001"
	acmeRun   = "tsk_acme_runner_0002"
	globexKey = "tsk_globex_submitter_03"
)

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T) (*Client, func()) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	p := policy.Default()
	p.MaxSteps = 200_000
	store := policy.NewStore(p, logger)
	signers, err := signer.NewSet("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	cache := toolcache.New(signers, logger)
	audit := engine.NewAuditor(storage.NewLogWriter(logger), nil, logger)
	builder := sandbox.NewBuilder(sandbox.Config{Auditor: audit, Resolver: cache, Logger: logger})
	inProcess := isolation.NewInProcess(builder, governor.New(governor.Config{}), store, logger)
	eng := engine.New(engine.Config{
		Policies: store,
		Signers:  signers,
		Cache:    cache,
		Executor: isolation.NewSelector(inProcess, nil, store),
		Auditor:  audit,
		Logger:   logger,
	})

	authenticator := auth.NewStaticAuthenticator(map[string]auth.Tenant{
		acmeKey:   {TenantID: "acme", CanSubmit: true},
		acmeRun:   {TenantID: "acme"},
		globexKey: {TenantID: "globex", CanSubmit: true},
	})

	grpcServer := grpc.NewServer()
	Register(grpcServer, NewToolSandboxServer(eng, authenticator, logger))

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
	}
	return NewClient(conn), cleanup
}

func authCtx(key string) context.Context {
	md := metadata.New(map[string]string{"authorization": "Bearer " + key})
	return metadata.NewOutgoingContext(context.Background(), md)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func submitHello(t *testing.T, client *Client, key string) {
	t.Helper()
	_, err := client.SubmitTool(authCtx(key), mustStruct(t, map[string]any{
		"tool_id":     "hello",
		"description": "Greets someone",
		"source_code": "def execute(name=\"World\", times=1):\n    return (\"Hello, %s\" % name) * times\n",
		"input_schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string"},
				"times": map[string]any{"type": "integer"},
			},
		},
	}))
	if err != nil {
		t.Fatalf("SubmitTool: %v", err)
	}
}

func TestServer_SubmitAndRun(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.SubmitTool(authCtx(acmeKey), mustStruct(t, map[string]any{
		"tool_id":     "hello",
		"source_code": "def execute(name=\"World\"):\n    return \"Hello, %s\" % name\n",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Fields["content_hash"].GetStringValue() == "" || resp.Fields["signature"].GetStringValue() == "" {
		t.Fatalf("expected hash and signature, got %v", resp)
	}

	out, err := client.RunTool(authCtx(acmeKey), mustStruct(t, map[string]any{
		"tool_id": "hello",
		"params":  map[string]any{"name": "Ada"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Fields["outcome"].GetStringValue(); got != "success" {
		t.Fatalf("expected success, got %s (%v)", got, out)
	}
	if got := out.Fields["value"].GetStringValue(); got != "Hello, Ada" {
		t.Fatalf("expected Hello, Ada, got %q", got)
	}
}

func TestServer_IntegerParams(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()
	submitHello(t, client, acmeKey)

	out, err := client.RunTool(authCtx(acmeKey), mustStruct(t, map[string]any{
		"tool_id": "hello",
		"params":  map[string]any{"name": "Ada", "times": 2},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Fields["value"].GetStringValue(); got != "Hello, AdaHello, Ada" {
		t.Fatalf("expected the integer to reach the tool as an int, got %q (%v)", got, out)
	}
}

func TestServer_SubmitViolation(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.SubmitTool(authCtx(acmeKey), mustStruct(t, map[string]any{
		"tool_id":     "evil",
		"source_code": `def execute(): import os; return os.system("ls")`,
	}))
	st := status.Convert(err)
	if st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if len(st.Details()) != 1 {
		t.Fatalf("expected violation details, got %v", st.Details())
	}
	d, ok := st.Details()[0].(*structpb.Struct)
	if !ok || len(d.Fields["violations"].GetListValue().GetValues()) == 0 {
		t.Fatalf("expected a violations list, got %v", st.Details()[0])
	}
}

func TestServer_BadSignature(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.SubmitTool(authCtx(acmeKey), mustStruct(t, map[string]any{
		"tool_id":      "hello",
		"source_code":  "def execute():\n    return 1\n",
		"content_hash": "00",
		"signature":    "00",
	}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestServer_AuthErrors(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name string
		ctx  context.Context
		code codes.Code
	}{
		{"no metadata", context.Background(), codes.Unauthenticated},
		{"unknown key", authCtx("tsk_nobody_00000000"), codes.Unauthenticated},
		{"run-only key", authCtx(acmeRun), codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.SubmitTool(tt.ctx, mustStruct(t, map[string]any{
				"tool_id":     "hello",
				"source_code": "def execute():\n    return 1\n",
			}))
			if status.Code(err) != tt.code {
				t.Fatalf("expected %v, got %v", tt.code, err)
			}
		})
	}
}

func TestServer_RunStatuses(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()
	submitHello(t, client, acmeKey)

	tests := []struct {
		name string
		key  string
		req  map[string]any
		code codes.Code
	}{
		{"missing tool_id", acmeRun, map[string]any{}, codes.InvalidArgument},
		{"unknown tool", acmeRun, map[string]any{"tool_id": "nope"}, codes.NotFound},
		{"bad params", acmeRun, map[string]any{"tool_id": "hello", "params": map[string]any{"name": 7}}, codes.InvalidArgument},
		{"other tenant", globexKey, map[string]any{"tool_id": "hello"}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.RunTool(authCtx(tt.key), mustStruct(t, tt.req))
			if status.Code(err) != tt.code {
				t.Fatalf("expected %v, got %v", tt.code, err)
			}
		})
	}
}

func TestServer_RunOutcomeInBody(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name    string
		src     string
		outcome string
		field   string
		want    string
	}{
		{"tool error", "def execute():\n    fail(\"boom\")\n", "tool_error", "error_kind", "fail"},
		{"steps", "def execute():\n    while True:\n        pass\n", "resource_exceeded", "limit", "cpu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := client.SubmitTool(authCtx(acmeKey), mustStruct(t, map[string]any{
				"tool_id":     "t_" + tt.outcome,
				"source_code": tt.src,
			})); err != nil {
				t.Fatalf("SubmitTool: %v", err)
			}
			out, err := client.RunTool(authCtx(acmeKey), mustStruct(t, map[string]any{"tool_id": "t_" + tt.outcome}))
			if err != nil {
				t.Fatalf("RunTool: %v", err)
			}
			if out.Fields["outcome"].GetStringValue() != tt.outcome || out.Fields[tt.field].GetStringValue() != tt.want {
				t.Fatalf("expected %s with %s=%s, got %v", tt.outcome, tt.field, tt.want, out)
			}
		})
	}
}

func TestServer_ListAndSchema(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()
	submitHello(t, client, acmeKey)

	list, err := client.ListTools(authCtx(acmeRun), &structpb.Struct{})
	if err != nil {
		t.Fatal(err)
	}
	tools := list.Fields["tools"].GetListValue().GetValues()
	if len(tools) != 1 || tools[0].GetStructValue().Fields["name"].GetStringValue() != "hello" {
		t.Fatalf("expected one hello tool, got %v", list)
	}

	other, err := client.ListTools(authCtx(globexKey), &structpb.Struct{})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(other.Fields["tools"].GetListValue().GetValues()); n != 0 {
		t.Fatalf("expected globex to see no tools, got %d", n)
	}

	sch, err := client.GetToolSchema(authCtx(acmeRun), mustStruct(t, map[string]any{"tool_id": "hello"}))
	if err != nil {
		t.Fatal(err)
	}
	if sch.Fields["description"].GetStringValue() != "Greets someone" {
		t.Fatalf("unexpected schema %v", sch)
	}
	if sch.Fields["inputSchema"].GetStructValue().Fields["type"].GetStringValue() != "object" {
		t.Fatalf("expected the input schema, got %v", sch)
	}

	if _, err := client.GetToolSchema(authCtx(acmeRun), mustStruct(t, map[string]any{"tool_id": "nope"})); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestNormalizeNumbers(t *testing.T) {
	got := normalizeNumbers(map[string]any{
		"i": 3.0,
		"f": 1.5,
		"l": []any{2.0, "x"},
	}).(map[string]any)
	if got["i"] != int64(3) || got["f"] != 1.5 || got["l"].([]any)[0] != int64(2) {
		t.Fatalf("unexpected result %#v", got)
	}
}
