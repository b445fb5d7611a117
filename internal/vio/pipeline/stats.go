package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/vio.frontend/internal/vio/align"
)

// Stats is a point-in-time snapshot of the synchronizer.
type Stats struct {
	SessionID             string  `json:"session_id"`
	Epoch                 uint64  `json:"epoch"`
	Phase                 string  `json:"phase"`
	TimeOffset            float64 `json:"time_offset"`
	InertialQueued        int     `json:"inertial_queued"`
	FramesQueued          int     `json:"frames_queued"`
	RelocalizationPending bool    `json:"relocalization_pending"`
	BundleReady           bool    `json:"bundle_ready"` // the worker has a frame it can align now
	LatestTimestamp       float64 `json:"latest_timestamp"`
	Resetting             bool    `json:"resetting"`
	Closed                bool    `json:"closed"`

	SamplesAccepted   uint64 `json:"samples_accepted"`
	SamplesRejected   uint64 `json:"samples_rejected"`
	FramesAccepted    uint64 `json:"frames_accepted"`
	FramesDiscarded   uint64 `json:"frames_discarded"`
	BundlesDispatched uint64 `json:"bundles_dispatched"`
	TimingFaults      uint64 `json:"timing_faults"`
	EstimatorErrors   uint64 `json:"estimator_errors"`
	PropagationFaults uint64 `json:"propagation_faults"`
	Resets            uint64 `json:"resets"`
	Relocalizations   uint64 `json:"relocalizations"`

	// Components holds the snapshots of registered collaborators, such as
	// the odometry stream or the serial source.
	Components map[string]any `json:"components,omitempty"`
}

// componentStats is guarded by its own lock, taken after no other.
type componentStats struct {
	mu  sync.Mutex
	fns map[string]func() any
}

// RegisterStats adds a named snapshot function to Stats. Registering a
// name again replaces it.
func (s *Synchronizer) RegisterStats(name string, fn func() any) {
	s.components.mu.Lock()
	defer s.components.mu.Unlock()
	if s.components.fns == nil {
		s.components.fns = make(map[string]func() any)
	}
	s.components.fns[name] = fn
}

// Stats returns a snapshot of queue depths, counters and session state.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		SessionID:             s.session,
		Epoch:                 s.epoch.Load(),
		InertialQueued:        s.imu.Len(),
		FramesQueued:          s.frames.Len(),
		RelocalizationPending: s.relocation.Full(),
		BundleReady:           align.Ready(s.imu, s.frames, s.TimeOffset()),
		Resetting:             s.resetting,
		Closed:                s.closed,
	}
	s.mu.Unlock()

	st.Phase = s.Phase().String()
	st.TimeOffset = s.TimeOffset()
	st.LatestTimestamp = s.LatestState().BaseTimestamp

	c := &s.counters
	st.SamplesAccepted = c.samplesAccepted.Load()
	st.SamplesRejected = c.samplesRejected.Load()
	st.FramesAccepted = c.framesAccepted.Load()
	st.FramesDiscarded = c.framesDiscarded.Load()
	st.BundlesDispatched = c.bundles.Load()
	st.TimingFaults = c.timingFaults.Load()
	st.EstimatorErrors = c.estimatorErrors.Load()
	st.PropagationFaults = c.propagationFaults.Load()
	st.Resets = c.resets.Load()
	st.Relocalizations = c.relocalizations.Load()

	s.components.mu.Lock()
	for name, fn := range s.components.fns {
		if st.Components == nil {
			st.Components = make(map[string]any, len(s.components.fns))
		}
		st.Components[name] = fn()
	}
	s.components.mu.Unlock()
	return st
}

// ReportStats logs a one-line summary every interval until ctx is done.
// A non-positive interval disables reporting.
func (s *Synchronizer) ReportStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			st := s.Stats()
			logf("session=%s phase=%s queued=%d/%d samples=%d rejected=%d bundles=%d faults=%d resets=%d",
				st.SessionID, st.Phase, st.InertialQueued, st.FramesQueued, st.SamplesAccepted,
				st.SamplesRejected, st.BundlesDispatched, st.TimingFaults, st.Resets)
		}
	}
}
