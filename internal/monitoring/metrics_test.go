package monitoring

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SamplesAccepted.Add(3)
	m.SamplesRejected.WithLabelValues("out_of_order").Inc()
	m.QueueDepth.WithLabelValues("inertial").Set(12)
	m.FrameProcessing.Observe(0.002)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SamplesAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesRejected.WithLabelValues("out_of_order")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vio_frontend_inertial_samples_accepted_total"])
	assert.True(t, names["vio_frontend_queue_depth"])
	assert.True(t, names["vio_frontend_frame_processing_seconds"])

	// A second set on the same registry collides.
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestNewMetrics_Unregistered(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil)
		NewMetrics(nil)
	})
}

func TestAlignDiagnostics(t *testing.T) {
	var lines []string
	th := NewThrottle(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	}, ThrottleConfig{Burst: 10})
	d := AlignDiagnostics{Throttle: th, Metrics: NewMetrics(nil)}

	d.StaleFrame(1.5, 2.0)
	d.EmptyBundle(2.5)
	d.WaitingForInertial(3, 2.9)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.StaleFrames))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.EmptyBundles))
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[Align] dropping frame 1.500000")
}
