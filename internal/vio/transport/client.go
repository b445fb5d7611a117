package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/ingest"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
)

// Client calls a vio.v1.Frontend service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, method, in, new(emptypb.Empty), opts...)
}

func (c *Client) PushInertial(ctx context.Context, s vio.InertialSample, opts ...grpc.CallOption) error {
	return c.invoke(ctx, PushInertialMethod, InertialToStruct(s), opts...)
}

// PushFeatures sends a tracker message; the server decodes it into a
// feature frame.
func (c *Client) PushFeatures(ctx context.Context, msg ingest.PointCloud, opts ...grpc.CallOption) error {
	return c.invoke(ctx, PushFeaturesMethod, PointCloudToStruct(msg), opts...)
}

func (c *Client) PushRelocalization(ctx context.Context, msg ingest.PointCloud, opts ...grpc.CallOption) error {
	return c.invoke(ctx, PushRelocalizationMethod, PointCloudToStruct(msg), opts...)
}

func (c *Client) Restart(ctx context.Context, requested bool, opts ...grpc.CallOption) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{"restart": structpb.NewBoolValue(requested)}}
	return c.invoke(ctx, RestartMethod, in, opts...)
}

// StreamOdometry opens the odometry stream. Cancel ctx to close it.
func (c *Client) StreamOdometry(ctx context.Context, opts ...grpc.CallOption) (*OdometryReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamOdometryMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OdometryReceiver{stream: stream}, nil
}

// OdometryReceiver reads messages from an open odometry stream.
type OdometryReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next message. It returns io.EOF when the server
// ends the stream cleanly.
func (r *OdometryReceiver) Recv() (publish.Message, error) {
	m := new(structpb.Struct)
	if err := r.stream.RecvMsg(m); err != nil {
		return publish.Message{}, err
	}
	return MessageFromStruct(m)
}
