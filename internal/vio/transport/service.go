// Package transport exposes the front end over gRPC: unary ingestion
// calls for measurements and restarts, and a server stream of odometry.
// Bodies are google.protobuf.Struct messages so no generated code is
// needed.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "vio.v1.Frontend"

// Full method names.
const (
	PushInertialMethod       = "/" + serviceName + "/PushInertial"
	PushFeaturesMethod       = "/" + serviceName + "/PushFeatures"
	PushRelocalizationMethod = "/" + serviceName + "/PushRelocalization"
	RestartMethod            = "/" + serviceName + "/Restart"
	StreamOdometryMethod     = "/" + serviceName + "/StreamOdometry"
)

// FrontendServer is the server API of the vio.v1.Frontend service.
type FrontendServer interface {
	PushInertial(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	PushFeatures(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	PushRelocalization(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Restart(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StreamOdometry(*emptypb.Empty, OdometryStream) error
}

// OdometryStream is the server side of StreamOdometry.
type OdometryStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type odometryStream struct {
	grpc.ServerStream
}

func (s odometryStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

// RegisterFrontendServer registers srv on s.
func RegisterFrontendServer(s grpc.ServiceRegistrar, srv FrontendServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler(method string, call func(FrontendServer, context.Context, *structpb.Struct) (*emptypb.Empty, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FrontendServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(FrontendServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamOdometryHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FrontendServer).StreamOdometry(in, odometryStream{stream})
}

// ServiceDesc describes vio.v1.Frontend for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrontendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushInertial", Handler: unaryHandler(PushInertialMethod, FrontendServer.PushInertial)},
		{MethodName: "PushFeatures", Handler: unaryHandler(PushFeaturesMethod, FrontendServer.PushFeatures)},
		{MethodName: "PushRelocalization", Handler: unaryHandler(PushRelocalizationMethod, FrontendServer.PushRelocalization)},
		{MethodName: "Restart", Handler: unaryHandler(RestartMethod, FrontendServer.Restart)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamOdometry",
			Handler:       streamOdometryHandler,
			ServerStreams: true,
		},
	},
}
