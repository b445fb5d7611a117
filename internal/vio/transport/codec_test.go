package transport

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
)

func TestMessageFromStruct_Frame(t *testing.T) {
	report := vio.FrameReport{
		SessionID: "abc",
		Timestamp: 7,
		Phase:     vio.PhaseNonLinear,
		Odometry: vio.ConfirmedState{
			Timestamp:   7,
			Position:    r3.Vec{X: 1},
			Orientation: quat.Number{Real: 1},
			Velocity:    r3.Vec{Y: 0.5},
		},
		FrameOutputs: vio.FrameOutputs{
			KeyPoses:   []r3.Vec{{X: 0.5}, {X: 1}},
			CameraPose: vio.Pose{Position: r3.Vec{X: 1, Z: 0.1}, Orientation: quat.Number{Real: 1}},
			PointCloud: []r3.Vec{{Z: 4}},
			Transform:  vio.Pose{Position: r3.Vec{X: 1}, Orientation: quat.Number{Real: 1}},
			Keyframe: &vio.Keyframe{
				Timestamp: 7,
				Pose:      vio.Pose{Position: r3.Vec{X: 1}, Orientation: quat.Number{Real: 1}},
			},
			Relocalization: &vio.RelocalizationResult{
				Timestamp:  2,
				FrameIndex: 3,
				Drift:      vio.Pose{Position: r3.Vec{Z: -0.2}, Orientation: quat.Number{Real: 1}},
			},
		},
	}

	got, err := MessageFromStruct(MessageToStruct(publish.Message{SessionID: "abc", Frame: &report}))
	require.NoError(t, err)
	require.NotNil(t, got.Frame)
	if diff := cmp.Diff(report, *got.Frame); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageFromStruct_Errors(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"no kind", map[string]interface{}{"session_id": "s"}},
		{"unknown kind", map[string]interface{}{"session_id": "s", "kind": "pose"}},
		{"short vector", map[string]interface{}{
			"session_id": "s", "kind": "latest", "timestamp": 1.0,
			"position": []interface{}{1.0, 2.0}, "orientation": []interface{}{1.0, 0.0, 0.0, 0.0},
			"velocity": []interface{}{0.0, 0.0, 0.0},
		}},
		{"bad phase", map[string]interface{}{"session_id": "s", "kind": "frame", "phase": "warm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)
			_, err = MessageFromStruct(s)
			assert.ErrorIs(t, err, ErrBadMessage)
		})
	}
}

func TestInertialFromStruct_MissingField(t *testing.T) {
	s := InertialToStruct(vio.InertialSample{Timestamp: 1})
	delete(s.Fields, "gyro")
	_, err := InertialFromStruct(s)
	assert.ErrorIs(t, err, ErrBadMessage)
	assert.Contains(t, err.Error(), `"gyro"`)
}

func TestPointCloudFromStruct_BadChannel(t *testing.T) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"timestamp": 1.0,
		"points":    []interface{}{},
		"channels":  []interface{}{map[string]interface{}{"name": "ids", "values": []interface{}{"x"}}},
	})
	require.NoError(t, err)
	_, err = PointCloudFromStruct(s)
	assert.ErrorIs(t, err, ErrBadMessage)
}
