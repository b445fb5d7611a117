package estimator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/testutil"
	"github.com/banshee-data/vio.frontend/internal/vio"
)

// newDR builds an estimator from DefaultConfig with the given overrides.
func newDR(t *testing.T, overrides ...func(*Config)) *DeadReckoning {
	t.Helper()
	cfg := DefaultConfig()
	for _, o := range overrides {
		o(&cfg)
	}
	d, err := NewDeadReckoning(cfg)
	require.NoError(t, err)
	return d
}

// feed drives the estimator at 100 Hz with gravity-cancelling specific
// force plus extra acceleration along X, one frame every ten samples.
func feed(t *testing.T, d *DeadReckoning, seconds float64, accelX float64) {
	t.Helper()
	const dt = 0.01
	n := int(seconds/dt + 0.5)
	for i := 0; i < n; i++ {
		d.ProcessInertial(dt, r3.Vec{X: accelX, Z: 9.81}, r3.Vec{})
		if (i+1)%10 == 0 {
			require.NoError(t, d.ProcessFrame(testutil.Frame(float64(i+1)*dt, 1, 2).GroupFeatures(), float64(i+1)*dt))
		}
	}
}

func TestDeadReckoning_Defaults(t *testing.T) {
	d := newDR(t)
	assert.Equal(t, r3.Vec{Z: 9.81}, d.Gravity())
	assert.Equal(t, vio.PhaseInitializing, d.Phase())
	assert.Equal(t, vio.NoTimestamp, d.WindowEnd().Timestamp)
	assert.NoError(t, d.Configure())
}

func TestDeadReckoning_ZeroValuesAreKept(t *testing.T) {
	d := newDR(t, func(c *Config) { c.WarmupFrames, c.KeyframeDistance = 0, 0 })

	feed(t, d, 0.1, 0)
	assert.Equal(t, vio.PhaseNonLinear, d.Phase(), "no warmup frames")
	require.NotNil(t, d.Outputs().Keyframe)

	feed(t, d, 0.1, 0)
	assert.NotNil(t, d.Outputs().Keyframe, "every frame is a keyframe at zero distance")
}

func TestDeadReckoning_RejectsInvalidConfig(t *testing.T) {
	_, err := NewDeadReckoning(Config{WindowSize: -1})
	assert.Error(t, err)
}

func TestDeadReckoning_FrameBeforeInertial(t *testing.T) {
	d := newDR(t)
	err := d.ProcessFrame(vio.FeatureMap{}, 1)
	assert.True(t, errors.Is(err, ErrNoInertial))
}

func TestDeadReckoning_IntegratesAndWarmsUp(t *testing.T) {
	d := newDR(t, func(c *Config) { c.WarmupFrames, c.WindowSize = 3, 4 })

	feed(t, d, 0.3, 0)
	assert.Equal(t, vio.PhaseInitializing, d.Phase())

	feed(t, d, 0.7, 1)
	assert.Equal(t, vio.PhaseNonLinear, d.Phase())

	w := d.WindowEnd()
	// The first step averages the old and new readings, then 69 steps at
	// 1 m/s².
	testutil.AssertVecNear(t, r3.Vec{X: 0.241525}, w.Position, 1e-6)
	testutil.AssertVecNear(t, r3.Vec{X: 0.695}, w.Velocity, 1e-6)
	testutil.AssertQuatNear(t, quat.Number{Real: 1}, w.Orientation, 1e-12)

	out := d.Outputs()
	assert.Len(t, out.KeyPoses, 4)
	assert.Len(t, out.PointCloud, 2)
	assert.Equal(t, w.Position, out.Transform.Position)
}

func TestDeadReckoning_Keyframes(t *testing.T) {
	d := newDR(t, func(c *Config) { c.WarmupFrames, c.KeyframeDistance = 1, 1 })
	feed(t, d, 0.2, 0)
	require.NotNil(t, d.Outputs().Keyframe, "first non-linear frame is a keyframe")

	feed(t, d, 0.1, 0)
	assert.Nil(t, d.Outputs().Keyframe, "stationary frames are not keyframes")
}

func TestDeadReckoning_Relocalization(t *testing.T) {
	d := newDR(t)
	feed(t, d, 0.1, 0)
	assert.Nil(t, d.Outputs().Relocalization)

	d.SetRelocalizationFrame(vio.RelocalizationMessage{
		Timestamp:   0.05,
		Translation: r3.Vec{X: 1},
		Rotation:    quat.Number{Real: 1},
		FrameIndex:  7,
	})
	feed(t, d, 0.1, 0)
	res := d.Outputs().Relocalization
	require.NotNil(t, res)
	assert.Equal(t, 7, res.FrameIndex)
	testutil.AssertVecNear(t, r3.Vec{X: 1}, res.Drift.Position, 1e-9)

	feed(t, d, 0.1, 0)
	assert.Nil(t, d.Outputs().Relocalization, "relocalization applies to one frame")
}

func TestDeadReckoning_Clear(t *testing.T) {
	d := newDR(t, func(c *Config) { c.WarmupFrames = 1 })
	feed(t, d, 0.5, 2)
	require.Equal(t, vio.PhaseNonLinear, d.Phase())

	d.Clear()
	assert.Equal(t, vio.PhaseInitializing, d.Phase())
	assert.Equal(t, vio.NoTimestamp, d.WindowEnd().Timestamp)
	assert.Empty(t, d.Outputs().KeyPoses)
}

func TestMock_RecordsCalls(t *testing.T) {
	m := NewMock()
	m.NonLinearAfter = 2

	m.ProcessInertial(0.1, r3.Vec{X: 1}, r3.Vec{})
	m.ProcessInertial(0.1, r3.Vec{X: 2}, r3.Vec{})
	require.NoError(t, m.ProcessFrame(vio.FeatureMap{}, 0.2))
	assert.Equal(t, vio.PhaseInitializing, m.Phase())
	require.NoError(t, m.ProcessFrame(vio.FeatureMap{}, 0.3))
	assert.Equal(t, vio.PhaseNonLinear, m.Phase())

	frames := m.FrameCalls()
	require.Len(t, frames, 2)
	assert.Equal(t, 2, frames[0].Inertial)
	assert.Equal(t, 0, frames[1].Inertial)

	m.Clear()
	assert.Empty(t, m.InertialCalls())
	assert.Equal(t, 1, m.Clears())
	assert.Equal(t, vio.PhaseInitializing, m.Phase())
}
