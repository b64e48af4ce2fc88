package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "triage.tool_sandbox.v1.ToolSandboxService"

// ToolSandboxService is the RPC surface. Requests and responses are
// google.protobuf.Struct documents; the field names are listed on each
// method of ToolSandboxServer.
type ToolSandboxService interface {
	SubmitTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetToolSchema(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(ToolSandboxService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ToolSandboxService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ToolSandboxService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes ToolSandboxService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolSandboxService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitTool", ToolSandboxService.SubmitTool),
		unaryHandler("RunTool", ToolSandboxService.RunTool),
		unaryHandler("ListTools", ToolSandboxService.ListTools),
		unaryHandler("GetToolSchema", ToolSandboxService.GetToolSchema),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tool_sandbox/v1/tool_sandbox.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ToolSandboxService) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls ToolSandboxService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitTool(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SubmitTool", in, opts...)
}

func (c *Client) RunTool(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RunTool", in, opts...)
}

func (c *Client) ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListTools", in, opts...)
}

func (c *Client) GetToolSchema(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetToolSchema", in, opts...)
}
