// Package pipeline runs the measurement front end: producers push inertial
// samples, feature frames and relocalization messages; one worker aligns
// them into bundles, drives the estimator and rebases the propagated state.
//
// Three mutexes guard the shared state and are always taken in this order:
// estimator, ingestion, state. Producers take only the ingestion and state
// locks, so a long optimizer cycle never blocks ingestion.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/timeutil"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/align"
	"github.com/banshee-data/vio.frontend/internal/vio/buffer"
	"github.com/banshee-data/vio.frontend/internal/vio/dispatch"
	"github.com/banshee-data/vio.frontend/internal/vio/propagate"
)

var (
	// ErrOutOfOrder is returned for a sample or frame not newer than the
	// last one accepted. The stream continues.
	ErrOutOfOrder = errors.New("measurement out of order")
	// ErrResetInProgress is returned for measurements pushed while a reset
	// is running; they would belong to the discarded session.
	ErrResetInProgress = errors.New("reset in progress")
	// ErrClosed is returned after Close.
	ErrClosed = vio.ErrClosed
)

// Options configures a Synchronizer. Only Estimator is required.
type Options struct {
	Estimator vio.Estimator
	Publisher vio.Publisher
	Metrics   *monitoring.Metrics
	// Throttle rate-limits per-sample diagnostics.
	Throttle *monitoring.Throttle
	// AlignObserver defaults to monitoring.AlignDiagnostics on Throttle
	// and Metrics.
	AlignObserver align.Observer
	Clock         timeutil.Clock
	// NewSessionID defaults to uuid.NewString.
	NewSessionID func() string
	// QueueCapacity is the initial capacity of the inertial queue.
	QueueCapacity int
}

var logf = monitoring.Component("Sync")

// Synchronizer owns the measurement queues, the estimator and the
// propagated state. Create it with New and run the worker with Run.
type Synchronizer struct {
	publisher vio.Publisher
	metrics   *monitoring.Metrics
	throttle  *monitoring.Throttle
	clock     timeutil.Clock
	newID     func() string
	aligner   *align.Aligner

	// resetMu serializes whole reset sequences.
	resetMu sync.Mutex

	// Estimator lock.
	estMu      sync.Mutex
	estimator  vio.Estimator
	dispatcher *dispatch.Dispatcher

	// Ingestion lock.
	mu         sync.Mutex
	cond       *sync.Cond
	imu        *buffer.Queue[vio.InertialSample]
	frames     *buffer.Queue[vio.FeatureFrame]
	watermark  float64 // newest accepted inertial timestamp
	lastFrame  float64 // newest accepted frame timestamp
	frameSeen  bool    // first frame since start-up has been discarded
	resetting  bool
	closed     bool
	session    string
	relocation buffer.Latest[vio.RelocalizationMessage]

	// State lock.
	stateMu    sync.Mutex
	propagator *propagate.Propagator

	// Written under the ingestion lock, read anywhere.
	epoch atomic.Uint64
	// Caches of estimator values for readers that must not take the
	// estimator lock.
	timeOffset atomic.Uint64 // float64 bits
	phase      atomic.Int32

	counters   counters
	components componentStats
}

type counters struct {
	samplesAccepted   atomic.Uint64
	samplesRejected   atomic.Uint64
	framesAccepted    atomic.Uint64
	framesDiscarded   atomic.Uint64
	bundles           atomic.Uint64
	timingFaults      atomic.Uint64
	estimatorErrors   atomic.Uint64
	propagationFaults atomic.Uint64
	resets            atomic.Uint64
	relocalizations   atomic.Uint64
}

// New returns a Synchronizer in the initial state. It configures the
// estimator once.
func New(opts Options) (*Synchronizer, error) {
	if opts.Estimator == nil {
		return nil, errors.New("pipeline: estimator is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = vio.NopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(nil)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Throttle == nil {
		opts.Throttle = monitoring.NewThrottle(func(format string, v ...interface{}) {
			monitoring.Logf(format, v...)
		}, monitoring.ThrottleConfig{Clock: opts.Clock})
	}
	if opts.AlignObserver == nil {
		opts.AlignObserver = monitoring.AlignDiagnostics{Throttle: opts.Throttle, Metrics: opts.Metrics}
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if err := opts.Estimator.Configure(); err != nil {
		return nil, err
	}

	s := &Synchronizer{
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		throttle:   opts.Throttle,
		clock:      opts.Clock,
		newID:      opts.NewSessionID,
		aligner:    align.New(opts.AlignObserver),
		estimator:  opts.Estimator,
		dispatcher: dispatch.New(opts.Estimator),
		imu:        buffer.NewQueue[vio.InertialSample](opts.QueueCapacity),
		frames:     buffer.NewQueue[vio.FeatureFrame](16),
		watermark:  vio.NoTimestamp,
		lastFrame:  vio.NoTimestamp,
		session:    opts.NewSessionID(),
		propagator: propagate.New(opts.Estimator.Gravity()),
	}
	s.cond = sync.NewCond(&s.mu)
	s.storeTimeOffset(opts.Estimator.TimeOffset())
	s.phase.Store(int32(opts.Estimator.Phase()))
	return s, nil
}

// PushInertial queues one inertial sample, wakes the worker and advances
// the propagated state. Once the estimator is in the non-linear phase the
// new state is published.
func (s *Synchronizer) PushInertial(sample vio.InertialSample) error {
	s.mu.Lock()
	if err := s.admitLocked(); err != nil {
		s.mu.Unlock()
		s.rejectSample(reason(err))
		return err
	}
	if s.watermark != vio.NoTimestamp && !(sample.Timestamp > s.watermark) {
		last := s.watermark
		s.mu.Unlock()
		s.rejectSample(reason(ErrOutOfOrder))
		s.throttle.Logf("sync.ooo", "[Sync] inertial sample %.6f not after %.6f, dropped", sample.Timestamp, last)
		return ErrOutOfOrder
	}
	s.imu.Push(sample)
	s.watermark = sample.Timestamp
	s.metrics.QueueDepth.WithLabelValues("inertial").Set(float64(s.imu.Len()))
	epoch := s.epoch.Load()
	session := s.session
	s.cond.Signal()
	s.mu.Unlock()

	s.counters.samplesAccepted.Add(1)
	s.metrics.SamplesAccepted.Inc()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.epoch.Load() != epoch {
		// A reset started after the push; the sample was cleared with the
		// queue.
		return nil
	}
	state, err := s.propagator.Propagate(sample)
	if err != nil {
		s.counters.propagationFaults.Add(1)
		s.metrics.PropagationFaults.Inc()
		s.throttle.Logf("sync.nonfinite", "[Sync] propagation at %.6f: %v", sample.Timestamp, err)
		return nil
	}
	if s.Phase() == vio.PhaseNonLinear {
		s.publisher.PublishLatest(session, state)
	}
	return nil
}

// PushFeatureFrame queues one feature frame and wakes the worker. The first
// frame after start-up is discarded because its tracker velocities are
// undefined.
func (s *Synchronizer) PushFeatureFrame(frame vio.FeatureFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(); err != nil {
		s.metrics.FramesDiscarded.WithLabelValues(reason(err)).Inc()
		return err
	}
	if !s.frameSeen {
		s.frameSeen = true
		s.counters.framesDiscarded.Add(1)
		s.metrics.FramesDiscarded.WithLabelValues("first_frame").Inc()
		return nil
	}
	if s.lastFrame != vio.NoTimestamp && !(frame.Timestamp > s.lastFrame) {
		s.counters.framesDiscarded.Add(1)
		s.metrics.FramesDiscarded.WithLabelValues("out_of_order").Inc()
		s.throttle.Logf("sync.frame_ooo", "[Sync] frame %.6f not after %.6f, dropped", frame.Timestamp, s.lastFrame)
		return ErrOutOfOrder
	}
	s.frames.Push(frame)
	s.lastFrame = frame.Timestamp
	s.counters.framesAccepted.Add(1)
	s.metrics.FramesAccepted.Inc()
	s.metrics.QueueDepth.WithLabelValues("frames").Set(float64(s.frames.Len()))
	s.cond.Signal()
	return nil
}

// PushRelocalization stores msg for the next dispatched frame, replacing
// any message not yet used.
func (s *Synchronizer) PushRelocalization(msg vio.RelocalizationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(); err != nil {
		return err
	}
	s.counters.relocalizations.Add(1)
	s.metrics.RelocalizationsReceived.Inc()
	if s.relocation.Store(msg) {
		s.metrics.RelocalizationsOverwritten.Inc()
	}
	return nil
}

// admitLocked reports why measurements cannot be accepted right now.
func (s *Synchronizer) admitLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.resetting {
		return ErrResetInProgress
	}
	return nil
}

// reason is the metric label for an admission error.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrResetInProgress):
		return "resetting"
	default:
		return "out_of_order"
	}
}

func (s *Synchronizer) rejectSample(reason string) {
	s.counters.samplesRejected.Add(1)
	s.metrics.SamplesRejected.WithLabelValues(reason).Inc()
}

// Run is the worker loop. It blocks until ctx is cancelled or Close is
// called, and makes no estimator call after that.
func (s *Synchronizer) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		bundles, td, epoch, ok := s.waitForBundles()
		if !ok {
			logf("worker stopped")
			return ctx.Err()
		}
		if s.processBatch(bundles, td, epoch) {
			if err := s.Reset(); err != nil && !errors.Is(err, ErrClosed) {
				logf("reset after timing fault: %v", err)
			}
		}
	}
}

// waitForBundles blocks until the aligner produces at least one bundle or
// the synchronizer is closed.
func (s *Synchronizer) waitForBundles() ([]vio.MeasurementBundle, float64, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil, 0, 0, false
		}
		if !s.resetting {
			td := s.TimeOffset()
			if bundles := s.aligner.TryAlign(s.imu, s.frames, td); len(bundles) > 0 {
				s.metrics.QueueDepth.WithLabelValues("inertial").Set(float64(s.imu.Len()))
				s.metrics.QueueDepth.WithLabelValues("frames").Set(float64(s.frames.Len()))
				return bundles, td, s.epoch.Load(), true
			}
		}
		s.cond.Wait()
	}
}

// processBatch dispatches bundles in order under the estimator lock. It
// returns true when a timing fault requires a reset.
func (s *Synchronizer) processBatch(bundles []vio.MeasurementBundle, td float64, epoch uint64) bool {
	s.estMu.Lock()
	defer s.estMu.Unlock()

	for _, b := range bundles {
		if s.isClosed() || s.epoch.Load() != epoch {
			return false
		}

		var relo *vio.RelocalizationMessage
		if msg, ok := s.relocation.Take(); ok {
			relo = &msg
			s.metrics.RelocalizationsAttached.Inc()
		}

		start := s.clock.Now()
		res, err := s.dispatcher.Dispatch(b, td, relo)
		elapsed := s.clock.Since(start)
		s.metrics.FrameProcessing.Observe(elapsed.Seconds())

		if err != nil {
			if dispatch.IsTimingError(err) {
				s.counters.timingFaults.Add(1)
				s.metrics.TimingFaults.Inc()
				logf("%v; resetting", err)
				return true
			}
			s.counters.estimatorErrors.Add(1)
			s.metrics.EstimatorErrors.Inc()
			s.throttle.Logf("sync.estimator", "[Sync] %v", err)
			continue
		}

		s.counters.bundles.Add(1)
		s.metrics.BundlesDispatched.Inc()
		s.storeTimeOffset(res.TimeOffset)
		s.phase.Store(int32(res.Phase))
		s.throttle.Logf("dispatch.stats", "[Dispatch] frame %.6f: %d inertial, %d features, %s, %.2fms",
			b.Frame.Timestamp, len(b.Inertial), len(b.Frame.Observations), res.Phase,
			float64(elapsed.Microseconds())/1000)

		if res.Phase != vio.PhaseNonLinear {
			continue
		}
		if !vio.FromConfirmed(res.WindowEnd).IsFinite() || !vio.FiniteVec(res.Gravity) {
			s.counters.propagationFaults.Add(1)
			s.metrics.PropagationFaults.Inc()
			s.throttle.Logf("sync.nonfinite", "[Sync] non-finite window end after frame %.6f, keeping the propagated state",
				res.Frame)
			continue
		}
		session, ok := s.rebase(res, epoch)
		if !ok {
			return false
		}
		s.publisher.PublishFrame(vio.FrameReport{
			SessionID:    session,
			Timestamp:    res.Frame,
			Phase:        res.Phase,
			Odometry:     res.WindowEnd,
			FrameOutputs: res.Outputs,
		})
	}
	return false
}

// rebase replaces the propagated state with the estimator's window end
// and replays every inertial sample still queued. It returns false when a
// reset or close overtook the batch.
func (s *Synchronizer) rebase(res dispatch.Result, epoch uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.epoch.Load() != epoch {
		return "", false
	}
	replay := s.imu.Snapshot()

	s.stateMu.Lock()
	faults := s.propagator.Rebase(res.WindowEnd, res.Gravity, replay)
	s.stateMu.Unlock()

	if faults > 0 {
		s.counters.propagationFaults.Add(uint64(faults))
		s.metrics.PropagationFaults.Add(float64(faults))
		s.throttle.Logf("sync.nonfinite", "[Sync] %d replayed samples produced a non-finite state after frame %.6f",
			faults, res.Frame)
	}
	return s.session, true
}

// Close stops the worker. Pushes after Close fail with ErrClosed. It is
// safe to call more than once.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Phase returns the estimator phase observed after the last dispatch.
func (s *Synchronizer) Phase() vio.SolverPhase {
	return vio.SolverPhase(s.phase.Load())
}

// TimeOffset returns the estimator time offset observed after the last
// dispatch.
func (s *Synchronizer) TimeOffset() float64 {
	return math.Float64frombits(s.timeOffset.Load())
}

func (s *Synchronizer) storeTimeOffset(td float64) {
	s.timeOffset.Store(math.Float64bits(td))
}

// SessionID identifies the current session. It changes on every reset.
func (s *Synchronizer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// LatestState returns the current propagated state.
func (s *Synchronizer) LatestState() vio.PropagatedState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.propagator.State()
}
