package vio

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// NoTimestamp marks a clock or cursor that has not seen a sample yet.
const NoTimestamp = -1.0

// InertialSample is one timestamped accelerometer and gyroscope reading.
// Timestamps are monotonic seconds.
type InertialSample struct {
	Timestamp float64 // seconds
	Accel     r3.Vec  // linear acceleration, sensor frame, m/s²
	Gyro      r3.Vec  // angular velocity, sensor frame, rad/s
}

// FeatureObservation is a single tracked feature seen by one camera.
type FeatureObservation struct {
	FeatureID int
	CameraID  int
	Ray       r3.Vec     // normalized image-plane ray, Z is always 1
	Pixel     [2]float64 // u, v
	Velocity  [2]float64 // optical flow, normalized plane units per second
}

// Vector packs the observation as x, y, z, u, v, vx, vy.
func (o FeatureObservation) Vector() [7]float64 {
	return [7]float64{
		o.Ray.X, o.Ray.Y, o.Ray.Z,
		o.Pixel[0], o.Pixel[1],
		o.Velocity[0], o.Velocity[1],
	}
}

// FeatureFrame is one timestamped set of tracked feature observations.
type FeatureFrame struct {
	Timestamp    float64
	Observations []FeatureObservation
}

// CameraObservation is one (camera, observation vector) pair of a feature.
type CameraObservation struct {
	CameraID int
	Vector   [7]float64
}

// FeatureMap groups a frame's observations by feature ID, keeping the
// observation order of the frame within each feature.
type FeatureMap map[int][]CameraObservation

// GroupFeatures converts the frame's observation list into a FeatureMap.
func (f FeatureFrame) GroupFeatures() FeatureMap {
	out := make(FeatureMap, len(f.Observations))
	for _, o := range f.Observations {
		out[o.FeatureID] = append(out[o.FeatureID], CameraObservation{
			CameraID: o.CameraID,
			Vector:   o.Vector(),
		})
	}
	return out
}

// RelocalizationMessage is a loop-closure correction matched against a
// past keyframe.
type RelocalizationMessage struct {
	Timestamp     float64
	MatchedPoints []r3.Vec
	Translation   r3.Vec
	Rotation      quat.Number // unit quaternion
	FrameIndex    int
}

// MeasurementBundle pairs one feature frame with the inertial samples that
// cover it. Every sample except the last is strictly before
// Frame.Timestamp+td; the last is at or after it.
type MeasurementBundle struct {
	Inertial []InertialSample
	Frame    FeatureFrame
}

// Boundary returns the frame timestamp shifted into the inertial clock.
func (b MeasurementBundle) Boundary(td float64) float64 {
	return b.Frame.Timestamp + td
}

// SolverPhase is the estimator's optimization phase.
type SolverPhase int

const (
	PhaseInitializing SolverPhase = iota
	PhaseNonLinear
)

func (p SolverPhase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseNonLinear:
		return "non_linear"
	default:
		return "unknown"
	}
}

// ConfirmedState is the estimator's window-end state after an optimization
// cycle.
type ConfirmedState struct {
	Timestamp   float64
	Position    r3.Vec
	Orientation quat.Number
	Velocity    r3.Vec
	AccelBias   r3.Vec
	GyroBias    r3.Vec
	LastAccel   r3.Vec // last raw accelerometer value fed to the estimator
	LastGyro    r3.Vec // last raw gyroscope value fed to the estimator
}

// PropagatedState is the high-rate dead-reckoned state between optimizer
// cycles.
type PropagatedState struct {
	Position      r3.Vec
	Velocity      r3.Vec
	Orientation   quat.Number
	AccelBias     r3.Vec
	GyroBias      r3.Vec
	LastAccel     r3.Vec
	LastGyro      r3.Vec
	BaseTimestamp float64 // timestamp of the last integrated sample
}

// InitialState is the state before any estimator output: identity
// orientation, everything else zero, clock unset.
func InitialState() PropagatedState {
	return PropagatedState{
		Orientation:   quat.Number{Real: 1},
		BaseTimestamp: NoTimestamp,
	}
}

// FromConfirmed copies a confirmed state verbatim.
func FromConfirmed(c ConfirmedState) PropagatedState {
	return PropagatedState{
		Position:      c.Position,
		Velocity:      c.Velocity,
		Orientation:   c.Orientation,
		AccelBias:     c.AccelBias,
		GyroBias:      c.GyroBias,
		LastAccel:     c.LastAccel,
		LastGyro:      c.LastGyro,
		BaseTimestamp: c.Timestamp,
	}
}

// IsFinite reports whether every component of the state is a finite number.
func (s PropagatedState) IsFinite() bool {
	for _, v := range []r3.Vec{s.Position, s.Velocity, s.AccelBias, s.GyroBias, s.LastAccel, s.LastGyro} {
		if !FiniteVec(v) {
			return false
		}
	}
	q := s.Orientation
	return finite(q.Real) && finite(q.Imag) && finite(q.Jmag) && finite(q.Kmag)
}

// FiniteVec reports whether every component of v is a finite number.
func FiniteVec(v r3.Vec) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
