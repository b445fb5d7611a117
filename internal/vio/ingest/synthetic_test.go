package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/testutil"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/propagate"
)

func TestSynthetic_StreamOrder(t *testing.T) {
	g := NewSynthetic(SyntheticConfig{InertialRate: 100, FrameRate: 10, Features: 4})
	stream := g.Generate(1.0)

	var samples, frames int
	last := -1.0
	for _, m := range stream {
		if m.Inertial != nil {
			samples++
			assert.Greater(t, m.Inertial.Timestamp, last)
			last = m.Inertial.Timestamp
			continue
		}
		frames++
		// A frame follows the sample with the same timestamp.
		assert.InDelta(t, last, m.Frame.Timestamp, 1e-12)
		assert.Len(t, m.Frame.Observations, 4)
		for _, o := range m.Frame.Observations {
			assert.Equal(t, 1.0, o.Ray.Z)
		}
	}
	assert.Equal(t, 101, samples)
	assert.Equal(t, 11, frames)
}

func TestSynthetic_InertialMatchesTrajectory(t *testing.T) {
	g := NewSynthetic(SyntheticConfig{InertialRate: 1000})
	p := propagate.New(r3.Vec{Z: 9.81})

	pos0, vel0, q0 := g.Pose(0)
	p.Rebase(vio.ConfirmedState{
		Timestamp:   vio.NoTimestamp,
		Position:    pos0,
		Velocity:    vel0,
		Orientation: q0,
	}, r3.Vec{Z: 9.81}, nil)

	for i := 0; i <= 2000; i++ {
		_, err := p.Propagate(g.Inertial(float64(i) / 1000))
		require.NoError(t, err)
	}

	pos, vel, q := g.Pose(2)
	st := p.State()
	testutil.AssertVecNear(t, pos, st.Position, 1e-3)
	testutil.AssertVecNear(t, vel, st.Velocity, 1e-3)
	testutil.AssertQuatNear(t, q, st.Orientation, 1e-6)
}

func TestSynthetic_RunStopsWhenSinkCloses(t *testing.T) {
	g := NewSynthetic(SyntheticConfig{InertialRate: 1000, FrameRate: 100})
	sink := &recordingSink{closeAfter: 30}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background(), sink, nil) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("synthetic source did not stop")
	}
	n, f := sink.counts()
	assert.Equal(t, 30, n+f)
	assert.Positive(t, f)
}

func TestSynthetic_RunContextCancel(t *testing.T) {
	g := NewSynthetic(SyntheticConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Run(ctx, &recordingSink{}, nil), context.Canceled)
}
