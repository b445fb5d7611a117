// Package propagate keeps the low-latency pose estimate between optimizer
// cycles by dead-reckoning inertial samples from the last confirmed state.
package propagate

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/kinematics"
)

// ErrNonFinite is returned when an integration step produced NaN or Inf.
// The previous state is kept.
var ErrNonFinite = errors.New("propagation produced a non-finite state")

// Propagator mechanizes inertial samples against the last rebased state.
// It is not safe for concurrent use; the synchronizer guards it with its
// state lock.
type Propagator struct {
	state   vio.PropagatedState
	gravity r3.Vec
}

// New returns a Propagator in the initial state using the given gravity.
func New(gravity r3.Vec) *Propagator {
	return &Propagator{state: vio.InitialState(), gravity: gravity}
}

// State returns a copy of the current propagated state.
func (p *Propagator) State() vio.PropagatedState {
	return p.state
}

// Propagate integrates one sample and returns the new state.
//
// The first sample after construction or Reset only starts the clock.
// Samples at or before the clock are ignored so that replaying a sample
// that was already integrated is harmless.
func (p *Propagator) Propagate(sample vio.InertialSample) (vio.PropagatedState, error) {
	s := p.state
	if s.BaseTimestamp == vio.NoTimestamp {
		s.BaseTimestamp = sample.Timestamp
		s.LastAccel = sample.Accel
		s.LastGyro = sample.Gyro
		p.state = s
		return s, nil
	}
	dt := sample.Timestamp - s.BaseTimestamp
	if dt <= 0 {
		return s, nil
	}

	m := kinematics.MidpointStep(
		kinematics.Motion{Position: s.Position, Velocity: s.Velocity, Orientation: s.Orientation},
		kinematics.Biases{Accel: s.AccelBias, Gyro: s.GyroBias},
		p.gravity,
		s.LastAccel, s.LastGyro,
		sample.Accel, sample.Gyro,
		dt,
	)
	s.Position = m.Position
	s.Velocity = m.Velocity
	s.Orientation = m.Orientation
	s.LastAccel = sample.Accel
	s.LastGyro = sample.Gyro
	s.BaseTimestamp = sample.Timestamp

	if !s.IsFinite() {
		return p.state, ErrNonFinite
	}
	p.state = s
	return s, nil
}

// Rebase overwrites the state with the estimator's confirmed window-end
// state and re-integrates replay, which must hold every inertial sample
// still pending after that state, oldest first. It returns the number of
// replayed samples that failed to integrate.
func (p *Propagator) Rebase(confirmed vio.ConfirmedState, gravity r3.Vec, replay []vio.InertialSample) int {
	p.gravity = gravity
	p.state = vio.FromConfirmed(confirmed)
	faults := 0
	for _, sample := range replay {
		if _, err := p.Propagate(sample); err != nil {
			faults++
		}
	}
	return faults
}

// Reset returns the propagator to its initial state.
func (p *Propagator) Reset(gravity r3.Vec) {
	p.gravity = gravity
	p.state = vio.InitialState()
}
