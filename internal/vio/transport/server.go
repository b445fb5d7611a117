package transport

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/ingest"
	"github.com/banshee-data/vio.frontend/internal/vio/pipeline"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
)

var logf = monitoring.Component("gRPC")

// Frontend is what the service drives. *pipeline.Synchronizer satisfies it.
type Frontend interface {
	ingest.Sink
	Restart(requested bool) error
}

var _ FrontendServer = (*Server)(nil)

// Server implements FrontendServer on a Frontend and an odometry Stream.
type Server struct {
	frontend   Frontend
	stream     *publish.Stream
	numCameras int
}

// NewServer returns a Server. Feature messages are decoded for
// numCameras cameras.
func NewServer(frontend Frontend, stream *publish.Stream, numCameras int) *Server {
	return &Server{frontend: frontend, stream: stream, numCameras: numCameras}
}

// grpcError maps front-end errors onto status codes.
func grpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBadMessage),
		errors.Is(err, ingest.ErrMalformed),
		errors.Is(err, ingest.ErrRayNotNormalized):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pipeline.ErrOutOfOrder):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, pipeline.ErrResetInProgress), errors.Is(err, vio.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) PushInertial(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	sample, err := InertialFromStruct(in)
	if err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, grpcError(s.frontend.PushInertial(sample))
}

func (s *Server) PushFeatures(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	pc, err := PointCloudFromStruct(in)
	if err != nil {
		return nil, grpcError(err)
	}
	frame, err := ingest.DecodeFeatureFrame(pc, s.numCameras)
	if err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, grpcError(s.frontend.PushFeatureFrame(frame))
}

func (s *Server) PushRelocalization(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	pc, err := PointCloudFromStruct(in)
	if err != nil {
		return nil, grpcError(err)
	}
	msg, err := ingest.DecodeRelocalization(pc)
	if err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, grpcError(s.frontend.PushRelocalization(msg))
}

// Restart expects {restart: bool}.
func (s *Server) Restart(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	f := &fields{s: in}
	requested := f.boolean("restart")
	if f.err != nil {
		return nil, grpcError(f.err)
	}
	return &emptypb.Empty{}, grpcError(s.frontend.Restart(requested))
}

// StreamOdometry sends every published message until the client leaves
// or the stream is closed.
func (s *Server) StreamOdometry(_ *emptypb.Empty, stream OdometryStream) error {
	sub := s.stream.Subscribe()
	defer s.stream.Unsubscribe(sub.ID)
	ctx := stream.Context()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "odometry stream closed")
			}
			if err := stream.Send(MessageToStruct(m)); err != nil {
				logf("send to %s failed: %v", sub.ID, err)
				return err
			}
		}
	}
}

// maxMsgSize covers feature frames and point clouds of a few thousand
// points.
const maxMsgSize = 16 * 1024 * 1024

// NewGRPCServer returns a grpc.Server with srv registered.
func NewGRPCServer(srv FrontendServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterFrontendServer(gs, srv)
	return gs
}

// Serve runs gs on lis until ctx is cancelled. It then closes the
// odometry stream, which ends every StreamOdometry call, and stops gs
// gracefully.
func (s *Server) Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		logf("listening on %s", lis.Addr())
		errc <- gs.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.stream.Close()
		gs.GracefulStop()
		<-errc
		logf("server stopped")
		return nil
	}
}
