package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ConditionServiceName is the fully qualified gRPC service name.
const ConditionServiceName = "condz.v1.ConditionService"

// Full method names.
const (
	EvaluateMethod      = "/" + ConditionServiceName + "/Evaluate"
	EvaluateBatchMethod = "/" + ConditionServiceName + "/EvaluateBatch"
	EvaluateGroupMethod = "/" + ConditionServiceName + "/EvaluateGroup"
	ResolveMethod       = "/" + ConditionServiceName + "/Resolve"
	ValidateMethod      = "/" + ConditionServiceName + "/Validate"
	WatchMethod         = "/" + ConditionServiceName + "/Watch"
)

// ConditionServiceServer is the server API for condz.v1.ConditionService.
// Requests and responses are [structpb.Struct] messages; ordered payloads
// such as groups and configuration trees travel as JSON strings.
type ConditionServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterConditionServiceServer registers srv on s.
func RegisterConditionServiceServer(s grpc.ServiceRegistrar, srv ConditionServiceServer) {
	s.RegisterService(&conditionServiceDesc, srv)
}

type unaryMethod func(ConditionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ConditionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ConditionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConditionServiceServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var conditionServiceDesc = grpc.ServiceDesc{
	ServiceName: ConditionServiceName,
	HandlerType: (*ConditionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryHandler(EvaluateMethod, ConditionServiceServer.Evaluate)},
		{MethodName: "EvaluateBatch", Handler: unaryHandler(EvaluateBatchMethod, ConditionServiceServer.EvaluateBatch)},
		{MethodName: "EvaluateGroup", Handler: unaryHandler(EvaluateGroupMethod, ConditionServiceServer.EvaluateGroup)},
		{MethodName: "Resolve", Handler: unaryHandler(ResolveMethod, ConditionServiceServer.Resolve)},
		{MethodName: "Validate", Handler: unaryHandler(ValidateMethod, ConditionServiceServer.Validate)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "condz/v1/condition_service.proto",
}

// ConditionServiceClient calls condz.v1.ConditionService.
type ConditionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewConditionServiceClient returns a client bound to cc.
func NewConditionServiceClient(cc grpc.ClientConnInterface) *ConditionServiceClient {
	return &ConditionServiceClient{cc: cc}
}

func (c *ConditionServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ConditionServiceClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, EvaluateMethod, in, opts...)
}

func (c *ConditionServiceClient) EvaluateBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, EvaluateBatchMethod, in, opts...)
}

func (c *ConditionServiceClient) EvaluateGroup(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, EvaluateGroupMethod, in, opts...)
}

func (c *ConditionServiceClient) Resolve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, ResolveMethod, in, opts...)
}

func (c *ConditionServiceClient) Validate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, ValidateMethod, in, opts...)
}

// Watch opens a server stream of condition events.
func (c *ConditionServiceClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &conditionServiceDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
