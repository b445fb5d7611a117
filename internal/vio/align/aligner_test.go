package align

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/testutil"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/buffer"
)

type recordingObserver struct {
	waits int
	stale []float64
	empty []float64
}

func (r *recordingObserver) WaitingForInertial(float64, float64) { r.waits++ }
func (r *recordingObserver) StaleFrame(ts, _ float64)            { r.stale = append(r.stale, ts) }
func (r *recordingObserver) EmptyBundle(ts float64)              { r.empty = append(r.empty, ts) }

func queues(samples []vio.InertialSample, frames ...vio.FeatureFrame) (*buffer.Queue[vio.InertialSample], *buffer.Queue[vio.FeatureFrame]) {
	imu := buffer.NewQueue[vio.InertialSample](len(samples))
	for _, s := range samples {
		imu.Push(s)
	}
	fq := buffer.NewQueue[vio.FeatureFrame](len(frames))
	for _, f := range frames {
		fq.Push(f)
	}
	return imu, fq
}

func timestamps(samples []vio.InertialSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

func TestTryAlign_EmptyPollIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	a := New(obs)

	imu, frames := queues(nil)
	assert.Empty(t, a.TryAlign(imu, frames, 0))

	imu, frames = queues(testutil.Samples(0, 0.1, 3, r3.Vec{}))
	before := imu.Snapshot()
	assert.Empty(t, a.TryAlign(imu, frames, 0))
	assert.Equal(t, before, imu.Snapshot())

	imu, frames = queues(nil, testutil.Frame(1))
	assert.Empty(t, a.TryAlign(imu, frames, 0))
	assert.Equal(t, 1, frames.Len())
	assert.Zero(t, obs.waits)
}

func TestTryAlign_WaitsForCoverage(t *testing.T) {
	obs := &recordingObserver{}
	a := New(obs)
	// Newest sample equals the boundary: not strictly greater, so wait.
	imu, frames := queues(testutil.Samples(0, 0.1, 6, r3.Vec{}), testutil.Frame(0.5))
	assert.Empty(t, a.TryAlign(imu, frames, 0))
	assert.Equal(t, 6, imu.Len())
	assert.Equal(t, 1, frames.Len())
	assert.Equal(t, 1, obs.waits)
}

func TestTryAlign_DropsStaleFrames(t *testing.T) {
	obs := &recordingObserver{}
	a := New(obs)
	imu, frames := queues(testutil.Samples(1, 0.1, 10, r3.Vec{}),
		testutil.Frame(0.5), testutil.Frame(1.0), testutil.Frame(1.25))

	bundles := a.TryAlign(imu, frames, 0)
	assert.Equal(t, []float64{0.5, 1.0}, obs.stale)
	require.Len(t, bundles, 1)
	assert.Equal(t, 1.25, bundles[0].Frame.Timestamp)
}

func TestTryAlign_BoundarySampleIsShared(t *testing.T) {
	a := New(nil)
	samples := testutil.Samples(0, 0.1, 10, r3.Vec{Z: 9.81})
	imu, frames := queues(samples, testutil.Frame(0.25), testutil.Frame(0.55))

	bundles := a.TryAlign(imu, frames, 0)
	require.Len(t, bundles, 2)

	want := [][]float64{
		{0, 0.1, 0.2, 0.30000000000000004},
		{0.30000000000000004, 0.4, 0.5, 0.6000000000000001},
	}
	for i, b := range bundles {
		if diff := cmp.Diff(want[i], timestamps(b.Inertial)); diff != "" {
			t.Errorf("bundle %d timestamps mismatch (-want +got):\n%s", i, diff)
		}
	}
	// The second boundary sample is still queued and opens the next bundle.
	head, _ := imu.Front()
	assert.Equal(t, bundles[1].Inertial[3], head)
	assert.Equal(t, 4, imu.Len())
}

func TestTryAlign_AppliesTimeOffset(t *testing.T) {
	a := New(nil)
	imu, frames := queues(testutil.Samples(0, 0.1, 10, r3.Vec{}), testutil.Frame(0.25))

	bundles := a.TryAlign(imu, frames, 0.1)
	require.Len(t, bundles, 1)
	got := timestamps(bundles[0].Inertial)
	assert.Len(t, got, 5)
	assert.InDelta(t, 0.4, got[4], 1e-12)
}

func TestTryAlign_CoverageInvariant(t *testing.T) {
	a := New(nil)
	const td = 0.003
	samples := testutil.Samples(0, 0.005, 400, r3.Vec{})
	var frameList []vio.FeatureFrame
	for ts := 0.01; ts < 1.9; ts += 0.033 {
		frameList = append(frameList, testutil.Frame(ts, 1, 2))
	}
	imu, frames := queues(samples, frameList...)

	bundles := a.TryAlign(imu, frames, td)
	require.Len(t, bundles, len(frameList))

	interior := map[float64]int{}
	for _, b := range bundles {
		boundary := b.Boundary(td)
		n := len(b.Inertial)
		require.GreaterOrEqual(t, n, 2)
		assert.GreaterOrEqual(t, b.Inertial[n-1].Timestamp, boundary)
		for _, s := range b.Inertial[:n-1] {
			assert.Less(t, s.Timestamp, boundary)
			interior[s.Timestamp]++
		}
		for i := 1; i < n; i++ {
			assert.Greater(t, b.Inertial[i].Timestamp, b.Inertial[i-1].Timestamp)
		}
	}

	// Every sample not left in the queue is an interior sample of exactly
	// one bundle.
	consumed := len(samples) - imu.Len()
	assert.Len(t, interior, consumed)
	for ts, count := range interior {
		assert.Equal(t, 1, count, "sample %v", ts)
	}
}

func TestReady(t *testing.T) {
	imu, frames := queues(testutil.Samples(0, 0.1, 3, r3.Vec{}))
	assert.False(t, Ready(imu, frames, 0))

	frames.Push(testutil.Frame(0.2))
	assert.False(t, Ready(imu, frames, 0))

	imu.Push(testutil.Sample(0.3, r3.Vec{}, r3.Vec{}))
	assert.True(t, Ready(imu, frames, 0))
	assert.False(t, Ready(imu, frames, 0.1))
}
