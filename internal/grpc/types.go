package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/events"
	"campfire/engine/internal/intake"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "campfire.engine.v1.Engine"

const (
	submitActionMethod     = "/" + ServiceName + "/SubmitAction"
	streamChangeSetsMethod = "/" + ServiceName + "/StreamChangeSets"

	// EncodingHeader carries the codec of streamed payloads.
	EncodingHeader = "x-payload-encoding"
	// AcceptEncodingHeader lets callers pick the stream codec.
	AcceptEncodingHeader = "x-accept-encoding"
)

// Submitter is the intake surface the service forwards actions to.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (actions.Request, error)
}

// ChangeSetSource fans published change sets out to stream subscribers.
type ChangeSetSource interface {
	Subscribe(id string, since uint64, resume bool) (*events.Subscription, error)
}

// EngineServer is the server API for the Engine service. Messages use the
// protobuf well-known types so no generated code is required.
type EngineServer interface {
	SubmitAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamChangeSets(*wrapperspb.UInt64Value, ChangeSetStream) error
}

// ChangeSetStream is the server side of StreamChangeSets.
type ChangeSetStream interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type changeSetStream struct {
	grpc.ServerStream
}

func (s *changeSetStream) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

func submitActionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).SubmitAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitActionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).SubmitAction(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamChangeSetsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.UInt64Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EngineServer).StreamChangeSets(in, &changeSetStream{stream})
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitAction", Handler: submitActionHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamChangeSets", Handler: streamChangeSetsHandler, ServerStreams: true},
	},
	Metadata: "campfire/engine/v1/engine.proto",
}

// RegisterEngineServer attaches srv to s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

// EngineClient is the client API for the Engine service.
type EngineClient struct {
	cc grpc.ClientConnInterface
}

// NewEngineClient wraps a client connection.
func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

// SubmitAction submits one action.
func (c *EngineClient) SubmitAction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitActionMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamChangeSets opens a change set stream resuming from the given tick.
func (c *EngineClient) StreamChangeSets(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &engineServiceDesc.Streams[0], streamChangeSetsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.UInt64Value, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
