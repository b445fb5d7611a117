package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/ingest"
	"github.com/banshee-data/vio.frontend/internal/vio/pipeline"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fakeFrontend struct {
	mu       sync.Mutex
	inertial []vio.InertialSample
	frames   []vio.FeatureFrame
	relocs   []vio.RelocalizationMessage
	restarts []bool
	err      error
}

func (f *fakeFrontend) PushInertial(s vio.InertialSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inertial = append(f.inertial, s)
	return f.err
}

func (f *fakeFrontend) PushFeatureFrame(fr vio.FeatureFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return f.err
}

func (f *fakeFrontend) PushRelocalization(m vio.RelocalizationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relocs = append(f.relocs, m)
	return f.err
}

func (f *fakeFrontend) Restart(requested bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, requested)
	return f.err
}

type harness struct {
	frontend *fakeFrontend
	stream   *publish.Stream
	client   *Client
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		frontend: &fakeFrontend{},
		stream:   publish.NewStream(8, nil),
		done:     make(chan error, 1),
	}
	srv := NewServer(h.frontend, h.stream, 2)
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- srv.Serve(ctx, NewGRPCServer(srv), lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	h.client = NewClient(conn)
	return h
}

func TestServer_PushInertial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := vio.InertialSample{Timestamp: 1.5, Accel: r3.Vec{Z: 9.8}, Gyro: r3.Vec{X: 0.1}}

	require.NoError(t, h.client.PushInertial(ctx, s))
	assert.Equal(t, []vio.InertialSample{s}, h.frontend.inertial)
}

func TestServer_PushFeatures(t *testing.T) {
	h := newHarness(t)
	frame := vio.FeatureFrame{Timestamp: 2, Observations: []vio.FeatureObservation{
		{FeatureID: 4, CameraID: 1, Ray: r3.Vec{X: 0.1, Y: -0.2, Z: 1}, Pixel: [2]float64{320, 240}, Velocity: [2]float64{0.5, 0}},
		{FeatureID: 5, CameraID: 0, Ray: r3.Vec{Z: 1}},
	}}

	require.NoError(t, h.client.PushFeatures(context.Background(), ingest.EncodeFeatureFrame(frame, 2)))
	require.Len(t, h.frontend.frames, 1)
	assert.Equal(t, frame, h.frontend.frames[0])
}

func TestServer_PushRelocalization(t *testing.T) {
	h := newHarness(t)
	msg := vio.RelocalizationMessage{
		Timestamp:     3,
		MatchedPoints: []r3.Vec{{X: 1}},
		Translation:   r3.Vec{Y: 2},
		Rotation:      quat.Number{Real: 1},
		FrameIndex:    12,
	}

	require.NoError(t, h.client.PushRelocalization(context.Background(), ingest.EncodeRelocalization(msg)))
	assert.Equal(t, []vio.RelocalizationMessage{msg}, h.frontend.relocs)
}

func TestServer_Restart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Restart(context.Background(), true))
	require.NoError(t, h.client.Restart(context.Background(), false))
	assert.Equal(t, []bool{true, false}, h.frontend.restarts)
}

func TestServer_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"out of order", pipeline.ErrOutOfOrder, codes.OutOfRange},
		{"resetting", pipeline.ErrResetInProgress, codes.Unavailable},
		{"closed", vio.ErrClosed, codes.Unavailable},
		{"other", assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.frontend.err = tt.err
			err := h.client.PushInertial(context.Background(), vio.InertialSample{Timestamp: 1})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestServer_RejectsMalformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := ingest.PointCloud{Timestamp: 1, Points: []r3.Vec{{Z: 2}}, Channels: make([]ingest.Channel, 5)}
	for i := range bad.Channels {
		bad.Channels[i].Values = []float64{0}
	}
	err := h.client.PushFeatures(ctx, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = h.client.PushRelocalization(ctx, ingest.PointCloud{Timestamp: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, h.frontend.frames)
	assert.Empty(t, h.frontend.relocs)
}

func TestServer_StreamOdometry(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rx, err := h.client.StreamOdometry(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.stream.Stats().Clients == 1 }, 2*time.Second, 5*time.Millisecond)

	state := vio.InitialState()
	state.BaseTimestamp = 4
	state.Position = r3.Vec{X: 1, Y: 2, Z: 3}
	h.stream.PublishLatest("s", state)
	h.stream.PublishFrame(vio.FrameReport{SessionID: "s", Timestamp: 5, Phase: vio.PhaseNonLinear})

	m, err := rx.Recv()
	require.NoError(t, err)
	require.NotNil(t, m.Latest)
	assert.Equal(t, "s", m.SessionID)
	assert.Equal(t, 4.0, m.Latest.BaseTimestamp)
	assert.Equal(t, state.Position, m.Latest.Position)

	m, err = rx.Recv()
	require.NoError(t, err)
	require.NotNil(t, m.Frame)
	assert.Equal(t, 5.0, m.Frame.Timestamp)
	assert.Equal(t, vio.PhaseNonLinear, m.Frame.Phase)

	cancel()
	require.Eventually(t, func() bool { return h.stream.Stats().Clients == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ShutdownEndsStreams(t *testing.T) {
	h := newHarness(t)
	rx, err := h.client.StreamOdometry(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.stream.Stats().Clients == 1 }, 2*time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = rx.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
