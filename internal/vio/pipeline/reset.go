package pipeline

import (
	"fmt"

	"github.com/banshee-data/vio.frontend/internal/vio"
)

// Restart resets the front end when requested is true and does nothing
// otherwise.
func (s *Synchronizer) Restart(requested bool) error {
	if !requested {
		return nil
	}
	logf("restart requested")
	return s.Reset()
}

// Reset discards every buffered measurement, the estimator's window and
// the propagated state, and starts a new session. Measurements pushed
// while it runs are rejected with ErrResetInProgress; bundles the worker
// drained before it started are discarded at the next epoch check.
//
// The estimator is cleared even if Configure fails; the error is returned
// after the reset completes.
func (s *Synchronizer) Reset() error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.imu.Clear()
	s.frames.Clear()
	s.relocation.Clear()
	s.epoch.Add(1)
	s.resetting = true
	s.watermark = vio.NoTimestamp
	s.lastFrame = vio.NoTimestamp
	s.metrics.QueueDepth.WithLabelValues("inertial").Set(0)
	s.metrics.QueueDepth.WithLabelValues("frames").Set(0)
	s.mu.Unlock()

	s.estMu.Lock()
	s.estimator.Clear()
	configureErr := s.estimator.Configure()
	s.dispatcher.ResetCursor()
	s.storeTimeOffset(s.estimator.TimeOffset())
	s.phase.Store(int32(s.estimator.Phase()))
	gravity := s.estimator.Gravity()
	s.estMu.Unlock()

	s.stateMu.Lock()
	s.propagator.Reset(gravity)
	s.stateMu.Unlock()

	s.mu.Lock()
	s.resetting = false
	s.session = s.newID()
	session := s.session
	s.cond.Broadcast()
	s.mu.Unlock()

	s.counters.resets.Add(1)
	s.metrics.Resets.Inc()
	logf("reset complete, session %s", session)
	if configureErr != nil {
		return fmt.Errorf("reconfigure estimator: %w", configureErr)
	}
	return nil
}
