// Package ingest converts sensor and tracker messages into front-end
// measurements and feeds them to a Sink.
package ingest

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
)

var (
	// ErrRayNotNormalized is returned for a feature point whose z is not 1.
	ErrRayNotNormalized = errors.New("feature ray is not on the normalized image plane")
	// ErrMalformed is returned when a message lacks required channels or
	// channel values.
	ErrMalformed = errors.New("malformed point cloud message")
)

// Channel is a named per-point value array of a PointCloud.
type Channel struct {
	Name   string
	Values []float64
}

// PointCloud is the tracker's message layout: a timestamp, 3D points and
// parallel value channels.
type PointCloud struct {
	Timestamp float64
	Points    []r3.Vec
	Channels  []Channel
}

// Feature channel layout: packed id, pixel u, pixel v, velocity x,
// velocity y.
const featureChannels = 5

// DecodeFeatureFrame unpacks a tracker message. Channel 0 holds
// feature_id*numCameras+camera_id for every point.
func DecodeFeatureFrame(msg PointCloud, numCameras int) (vio.FeatureFrame, error) {
	if numCameras < 1 {
		return vio.FeatureFrame{}, fmt.Errorf("numCameras must be at least 1, got %d", numCameras)
	}
	if len(msg.Channels) < featureChannels {
		return vio.FeatureFrame{}, fmt.Errorf("%w: %d channels, want %d", ErrMalformed, len(msg.Channels), featureChannels)
	}
	n := len(msg.Points)
	for i, ch := range msg.Channels[:featureChannels] {
		if len(ch.Values) != n {
			return vio.FeatureFrame{}, fmt.Errorf("%w: channel %d has %d values for %d points", ErrMalformed, i, len(ch.Values), n)
		}
	}

	frame := vio.FeatureFrame{Timestamp: msg.Timestamp, Observations: make([]vio.FeatureObservation, 0, n)}
	for i, p := range msg.Points {
		if p.Z != 1 {
			return vio.FeatureFrame{}, fmt.Errorf("%w: point %d has z=%g", ErrRayNotNormalized, i, p.Z)
		}
		packed := int(msg.Channels[0].Values[i] + 0.5)
		frame.Observations = append(frame.Observations, vio.FeatureObservation{
			FeatureID: packed / numCameras,
			CameraID:  packed % numCameras,
			Ray:       p,
			Pixel:     [2]float64{msg.Channels[1].Values[i], msg.Channels[2].Values[i]},
			Velocity:  [2]float64{msg.Channels[3].Values[i], msg.Channels[4].Values[i]},
		})
	}
	return frame, nil
}

// EncodeFeatureFrame is the inverse of DecodeFeatureFrame.
func EncodeFeatureFrame(frame vio.FeatureFrame, numCameras int) PointCloud {
	n := len(frame.Observations)
	msg := PointCloud{
		Timestamp: frame.Timestamp,
		Points:    make([]r3.Vec, n),
		Channels: []Channel{
			{Name: "id", Values: make([]float64, n)},
			{Name: "u", Values: make([]float64, n)},
			{Name: "v", Values: make([]float64, n)},
			{Name: "velocity_x", Values: make([]float64, n)},
			{Name: "velocity_y", Values: make([]float64, n)},
		},
	}
	for i, o := range frame.Observations {
		msg.Points[i] = o.Ray
		msg.Channels[0].Values[i] = float64(o.FeatureID*numCameras + o.CameraID)
		msg.Channels[1].Values[i] = o.Pixel[0]
		msg.Channels[2].Values[i] = o.Pixel[1]
		msg.Channels[3].Values[i] = o.Velocity[0]
		msg.Channels[4].Values[i] = o.Velocity[1]
	}
	return msg
}

// DecodeRelocalization unpacks a loop-closure message: the points are the
// matched points and channel 0 holds tx, ty, tz, qw, qx, qy, qz and the
// matched frame index.
func DecodeRelocalization(msg PointCloud) (vio.RelocalizationMessage, error) {
	if len(msg.Channels) < 1 || len(msg.Channels[0].Values) < 8 {
		return vio.RelocalizationMessage{}, fmt.Errorf("%w: relocalization needs 8 values in channel 0", ErrMalformed)
	}
	v := msg.Channels[0].Values
	return vio.RelocalizationMessage{
		Timestamp:     msg.Timestamp,
		MatchedPoints: append([]r3.Vec(nil), msg.Points...),
		Translation:   r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Rotation:      quat.Number{Real: v[3], Imag: v[4], Jmag: v[5], Kmag: v[6]},
		FrameIndex:    int(v[7]),
	}, nil
}

// EncodeRelocalization is the inverse of DecodeRelocalization.
func EncodeRelocalization(msg vio.RelocalizationMessage) PointCloud {
	q := msg.Rotation
	return PointCloud{
		Timestamp: msg.Timestamp,
		Points:    append([]r3.Vec(nil), msg.MatchedPoints...),
		Channels: []Channel{{Name: "pose", Values: []float64{
			msg.Translation.X, msg.Translation.Y, msg.Translation.Z,
			q.Real, q.Imag, q.Jmag, q.Kmag,
			float64(msg.FrameIndex),
		}}},
	}
}
