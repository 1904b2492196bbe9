// Package stream serves controller snapshots over gRPC: a unary Current call
// and a server-streaming Watch that pushes a snapshot after every tick.
//
// Messages are the protobuf well-known Empty and Struct types, so the service
// needs no generated code; the descriptor below is what protoc-gen-go-grpc
// would emit for
//
//	service SnapshotService {
//	  rpc Current(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Watch(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "intersection.v1.SnapshotService"

const (
	currentMethod = "/" + ServiceName + "/Current"
	watchMethod   = "/" + ServiceName + "/Watch"
)

// SnapshotServiceServer is the server API for SnapshotService.
type SnapshotServiceServer interface {
	Current(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*emptypb.Empty, SnapshotService_WatchServer) error
}

// SnapshotService_WatchServer is the server side of a Watch stream.
type SnapshotService_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// ServiceDesc describes SnapshotService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Current", Handler: currentHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "intersection/v1/snapshot.proto",
}

// RegisterSnapshotServiceServer registers srv on s.
func RegisterSnapshotServiceServer(s grpc.ServiceRegistrar, srv SnapshotServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func currentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotServiceServer).Current(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: currentMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SnapshotServiceServer).Current(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SnapshotServiceServer).Watch(in, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// Client calls SnapshotService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Current fetches the latest snapshot.
func (c *Client) Current(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, currentMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchClient receives snapshots from a Watch stream.
type WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// Watch opens a snapshot stream. Cancel ctx to end it.
func (c *Client) Watch(ctx context.Context, opts ...grpc.CallOption) (WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchClient{stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watchClient struct {
	grpc.ClientStream
}

func (x *watchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
