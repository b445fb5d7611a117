package monitoring

// AlignDiagnostics reports aligner events through a Throttle and Metrics.
// It satisfies align.Observer.
type AlignDiagnostics struct {
	Throttle *Throttle
	Metrics  *Metrics
}

func (d AlignDiagnostics) WaitingForInertial(frameTimestamp, newestInertial float64) {
	d.Throttle.Logf("align.wait", "[Align] waiting for inertial data: frame %.6f, newest sample %.6f",
		frameTimestamp, newestInertial)
}

func (d AlignDiagnostics) StaleFrame(frameTimestamp, oldestInertial float64) {
	d.Metrics.StaleFrames.Inc()
	d.Throttle.Logf("align.stale", "[Align] dropping frame %.6f older than oldest sample %.6f",
		frameTimestamp, oldestInertial)
}

func (d AlignDiagnostics) EmptyBundle(frameTimestamp float64) {
	d.Metrics.EmptyBundles.Inc()
	d.Throttle.Logf("align.empty", "[Align] frame %.6f has no interior inertial samples", frameTimestamp)
}
