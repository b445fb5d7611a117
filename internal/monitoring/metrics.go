package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vio_frontend"

// Metrics are the front end's Prometheus instruments.
type Metrics struct {
	SamplesAccepted prometheus.Counter
	SamplesRejected *prometheus.CounterVec // reason
	FramesAccepted  prometheus.Counter
	FramesDiscarded *prometheus.CounterVec // reason

	StaleFrames       prometheus.Counter
	EmptyBundles      prometheus.Counter
	BundlesDispatched prometheus.Counter
	TimingFaults      prometheus.Counter
	EstimatorErrors   prometheus.Counter
	PropagationFaults prometheus.Counter
	Resets            prometheus.Counter

	RelocalizationsReceived    prometheus.Counter
	RelocalizationsOverwritten prometheus.Counter
	RelocalizationsAttached    prometheus.Counter

	QueueDepth      *prometheus.GaugeVec // queue
	FrameProcessing prometheus.Histogram

	StreamClients  prometheus.Gauge
	StreamDropped  prometheus.Counter
	RecorderWrites *prometheus.CounterVec // table
	RecorderErrors prometheus.Counter
}

// NewMetrics creates the instruments and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Metrics{
		SamplesAccepted: counter("inertial_samples_accepted_total", "Inertial samples accepted into the queue."),
		SamplesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inertial_samples_rejected_total",
			Help:      "Inertial samples rejected, by reason.",
		}, []string{"reason"}),
		FramesAccepted: counter("feature_frames_accepted_total", "Feature frames accepted into the queue."),
		FramesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_frames_discarded_total",
			Help:      "Feature frames discarded before alignment, by reason.",
		}, []string{"reason"}),

		StaleFrames:       counter("stale_frames_total", "Frames dropped for predating every buffered inertial sample."),
		EmptyBundles:      counter("empty_bundles_total", "Bundles emitted with only the boundary sample."),
		BundlesDispatched: counter("bundles_dispatched_total", "Measurement bundles processed by the estimator."),
		TimingFaults:      counter("timing_faults_total", "Dispatch cycles aborted by a negative time step."),
		EstimatorErrors:   counter("estimator_errors_total", "Frames rejected by the estimator."),
		PropagationFaults: counter("propagation_faults_total", "Propagation steps that produced a non-finite state."),
		Resets:            counter("resets_total", "Completed front-end resets."),

		RelocalizationsReceived:    counter("relocalizations_received_total", "Relocalization messages received."),
		RelocalizationsOverwritten: counter("relocalizations_overwritten_total", "Relocalization messages replaced before use."),
		RelocalizationsAttached:    counter("relocalizations_attached_total", "Relocalization messages attached to a frame."),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Buffered items per ingestion queue.",
		}, []string{"queue"}),
		FrameProcessing: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_seconds",
			Help:      "Estimator time per dispatched bundle.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),

		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected odometry stream clients.",
		}),
		StreamDropped: counter("stream_dropped_total", "Odometry messages dropped for slow stream clients."),
		RecorderWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_writes_total",
			Help:      "Rows written by the trajectory recorder, by table.",
		}, []string{"table"}),
		RecorderErrors: counter("recorder_errors_total", "Failed trajectory recorder writes."),
	}
}
