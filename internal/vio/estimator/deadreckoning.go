// Package estimator provides Estimator implementations for the front end:
// a dead-reckoning stand-in used by the binary when no optimizer is linked,
// and a call-recording mock for tests.
package estimator

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/kinematics"
)

// Config holds DeadReckoning parameters. Values are used as given, so a
// zero WarmupFrames reaches the non-linear phase on the first frame.
type Config struct {
	Gravity          r3.Vec  // world gravity
	TimeOffset       float64 // reported camera/inertial offset, seconds
	WarmupFrames     int     // frames before NonLinear
	WindowSize       int     // key poses kept
	KeyframeDistance float64 // metres travelled between keyframes
}

// DefaultConfig returns 9.81 m/s² gravity along +Z, 10 warmup frames, a
// 10-pose window and 0.25 m between keyframes.
func DefaultConfig() Config {
	return Config{
		Gravity:          r3.Vec{Z: 9.81},
		WarmupFrames:     10,
		WindowSize:       10,
		KeyframeDistance: 0.25,
	}
}

// Validate rejects configurations the estimator cannot run with.
func (c Config) Validate() error {
	if c.WarmupFrames < 0 {
		return fmt.Errorf("warmup frames must be non-negative, got %d", c.WarmupFrames)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be non-negative, got %d", c.WindowSize)
	}
	if c.KeyframeDistance < 0 {
		return fmt.Errorf("keyframe distance must be non-negative, got %g", c.KeyframeDistance)
	}
	return nil
}

// ErrNoInertial is returned by ProcessFrame when no inertial update was
// received since the estimator was cleared.
var ErrNoInertial = errors.New("frame processed before any inertial update")

// DeadReckoning implements vio.Estimator by integrating inertial updates
// without visual correction. Features are only used to build the point
// cloud output. Calls must be serialized by the caller.
type DeadReckoning struct {
	cfg Config

	motion  kinematics.Motion
	biases  kinematics.Biases
	lastAcc r3.Vec
	lastGyr r3.Vec
	started bool

	frames   int
	phase    vio.SolverPhase
	window   vio.ConfirmedState
	keyPoses []r3.Vec
	lastKey  *r3.Vec
	relo     *vio.RelocalizationMessage
	outputs  vio.FrameOutputs
}

// NewDeadReckoning returns a cleared DeadReckoning estimator.
func NewDeadReckoning(cfg Config) (*DeadReckoning, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &DeadReckoning{cfg: cfg}
	d.Clear()
	return d, nil
}

func (d *DeadReckoning) ProcessInertial(dt float64, accel, gyro r3.Vec) {
	if !d.started {
		d.lastAcc, d.lastGyr = accel, gyro
		d.started = true
	}
	if dt > 0 {
		d.motion = kinematics.MidpointStep(d.motion, d.biases, d.cfg.Gravity,
			d.lastAcc, d.lastGyr, accel, gyro, dt)
	}
	d.lastAcc, d.lastGyr = accel, gyro
}

func (d *DeadReckoning) ProcessFrame(features vio.FeatureMap, timestamp float64) error {
	if !d.started {
		return ErrNoInertial
	}
	d.frames++
	if d.phase == vio.PhaseInitializing && d.frames > d.cfg.WarmupFrames {
		d.phase = vio.PhaseNonLinear
	}

	d.window = vio.ConfirmedState{
		Timestamp:   timestamp,
		Position:    d.motion.Position,
		Orientation: d.motion.Orientation,
		Velocity:    d.motion.Velocity,
		AccelBias:   d.biases.Accel,
		GyroBias:    d.biases.Gyro,
		LastAccel:   d.lastAcc,
		LastGyro:    d.lastGyr,
	}

	d.keyPoses = append(d.keyPoses, d.motion.Position)
	if over := len(d.keyPoses) - d.cfg.WindowSize; over > 0 {
		d.keyPoses = append(d.keyPoses[:0], d.keyPoses[over:]...)
	}

	pose := vio.Pose{Position: d.motion.Position, Orientation: d.motion.Orientation}
	out := vio.FrameOutputs{
		KeyPoses:   append([]r3.Vec(nil), d.keyPoses...),
		CameraPose: pose,
		Transform:  pose,
		PointCloud: d.pointCloud(features),
	}

	if d.phase == vio.PhaseNonLinear {
		if d.lastKey == nil || r3.Norm(r3.Sub(d.motion.Position, *d.lastKey)) >= d.cfg.KeyframeDistance {
			p := d.motion.Position
			d.lastKey = &p
			out.Keyframe = &vio.Keyframe{Timestamp: timestamp, Pose: pose, Points: out.PointCloud}
		}
	}

	if d.relo != nil {
		out.Relocalization = &vio.RelocalizationResult{
			Timestamp:  d.relo.Timestamp,
			FrameIndex: d.relo.FrameIndex,
			Drift: vio.Pose{
				Position:    r3.Sub(d.relo.Translation, d.motion.Position),
				Orientation: kinematics.Normalize(quat.Mul(d.relo.Rotation, quat.Conj(d.motion.Orientation))),
			},
		}
		d.relo = nil
	}
	d.outputs = out
	return nil
}

// pointCloud places every feature's first observation at unit depth in
// the world frame.
func (d *DeadReckoning) pointCloud(features vio.FeatureMap) []r3.Vec {
	if len(features) == 0 {
		return nil
	}
	points := make([]r3.Vec, 0, len(features))
	for _, obs := range features {
		if len(obs) == 0 {
			continue
		}
		v := obs[0].Vector
		ray := r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		points = append(points, r3.Add(d.motion.Position, kinematics.Rotate(d.motion.Orientation, ray)))
	}
	return points
}

func (d *DeadReckoning) SetRelocalizationFrame(msg vio.RelocalizationMessage) {
	d.relo = &msg
}

func (d *DeadReckoning) Clear() {
	d.motion = kinematics.Motion{Orientation: kinematics.Identity}
	d.biases = kinematics.Biases{}
	d.lastAcc, d.lastGyr = r3.Vec{}, r3.Vec{}
	d.started = false
	d.frames = 0
	d.phase = vio.PhaseInitializing
	d.window = vio.ConfirmedState{Timestamp: vio.NoTimestamp, Orientation: kinematics.Identity}
	d.keyPoses = nil
	d.lastKey = nil
	d.relo = nil
	d.outputs = vio.FrameOutputs{}
}

func (d *DeadReckoning) Configure() error {
	return d.cfg.Validate()
}

func (d *DeadReckoning) Phase() vio.SolverPhase        { return d.phase }
func (d *DeadReckoning) TimeOffset() float64           { return d.cfg.TimeOffset }
func (d *DeadReckoning) Gravity() r3.Vec               { return d.cfg.Gravity }
func (d *DeadReckoning) WindowEnd() vio.ConfirmedState { return d.window }
func (d *DeadReckoning) Outputs() vio.FrameOutputs     { return d.outputs }
