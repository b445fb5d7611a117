package vio

import (
	"errors"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrClosed is returned by measurement sinks that have shut down.
var ErrClosed = errors.New("front end closed")

// Estimator is the sliding-window optimizer consumed by the front end.
// Calls are serialized by the caller; implementations need no locking of
// their own.
type Estimator interface {
	// ProcessInertial integrates one inertial update of duration dt.
	ProcessInertial(dt float64, accel, gyro r3.Vec)
	// ProcessFrame runs one optimization cycle for a feature frame.
	ProcessFrame(features FeatureMap, timestamp float64) error
	// SetRelocalizationFrame attaches a loop-closure match to the next frame.
	SetRelocalizationFrame(msg RelocalizationMessage)
	// Clear drops all internal state.
	Clear()
	// Configure reapplies the estimator parameters.
	Configure() error

	Phase() SolverPhase
	TimeOffset() float64
	Gravity() r3.Vec
	// WindowEnd returns the newest confirmed state of the window.
	WindowEnd() ConfirmedState
	// Outputs returns the artefacts of the last ProcessFrame call.
	Outputs() FrameOutputs
}

// Pose is a position and orientation in the world frame.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
}

// Keyframe marks a frame the estimator promoted into its window.
type Keyframe struct {
	Timestamp float64
	Pose      Pose
	Points    []r3.Vec
}

// RelocalizationResult is the estimator's answer to an attached
// relocalization message.
type RelocalizationResult struct {
	Timestamp  float64
	FrameIndex int
	Drift      Pose
}

// FrameOutputs are the per-frame artefacts produced by an Estimator.
type FrameOutputs struct {
	KeyPoses       []r3.Vec
	CameraPose     Pose
	PointCloud     []r3.Vec
	Transform      Pose // body in world
	Keyframe       *Keyframe
	Relocalization *RelocalizationResult
}

// FrameReport is everything published after one frame dispatch.
type FrameReport struct {
	SessionID string
	Timestamp float64
	Phase     SolverPhase
	Odometry  ConfirmedState
	FrameOutputs
}

// Publisher receives front-end output. Implementations must not block the
// caller for long: PublishLatest runs on the inertial ingestion path.
type Publisher interface {
	PublishLatest(sessionID string, state PropagatedState)
	PublishFrame(report FrameReport)
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishLatest(string, PropagatedState) {}
func (NopPublisher) PublishFrame(FrameReport)              {}
