package publish

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/testutil"
	"github.com/banshee-data/vio.frontend/internal/vio"
)

func openTestRecorder(t *testing.T, path string, opts RecorderOptions) *Recorder {
	t.Helper()
	r, err := OpenRecorder(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func frameReport(session string, ts float64) vio.FrameReport {
	return vio.FrameReport{
		SessionID: session,
		Timestamp: ts,
		Phase:     vio.PhaseNonLinear,
		Odometry: vio.ConfirmedState{
			Timestamp:   ts,
			Position:    r3.Vec{X: ts, Y: 1, Z: 2},
			Orientation: quat.Number{Real: 1},
			Velocity:    r3.Vec{X: 0.5},
		},
		FrameOutputs: vio.FrameOutputs{
			KeyPoses:   []r3.Vec{{}, {X: 1}},
			PointCloud: []r3.Vec{{Z: 1}, {Z: 2}, {Z: 3}},
		},
	}
}

func TestRecorder_MigratesAndRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.db")
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	r := openTestRecorder(t, path, RecorderOptions{Metrics: metrics})

	version, dirty, err := r.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	r.PublishLatest("a", vio.PropagatedState{BaseTimestamp: 0.5, Orientation: quat.Number{Real: 1}})
	r.PublishFrame(frameReport("a", 1))
	withRelo := frameReport("a", 2)
	withRelo.Keyframe = &vio.Keyframe{Timestamp: 2}
	withRelo.Relocalization = &vio.RelocalizationResult{Timestamp: 1, FrameIndex: 7, Drift: vio.Pose{
		Position:    r3.Vec{X: 0.1},
		Orientation: quat.Number{Real: 1},
	}}
	r.PublishFrame(withRelo)
	r.PublishFrame(frameReport("b", 3))
	require.NoError(t, r.Close())
	assert.Equal(t, uint64(4), r.Stats().Written)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.RecorderWrites.WithLabelValues("relocalizations")))

	// Reopening applies no further migrations and sees the rows.
	r = openTestRecorder(t, path, RecorderOptions{})
	frames, err := r.Frames("a", 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameRow{
		SessionID:   "a",
		Timestamp:   1,
		Phase:       "non_linear",
		Position:    r3.Vec{X: 1, Y: 1, Z: 2},
		Orientation: quat.Number{Real: 1},
		Velocity:    r3.Vec{X: 0.5},
		KeyPoses:    2,
		Points:      3,
	}, frames[0])
	assert.True(t, frames[1].Keyframe)

	all, err := r.Frames("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	for table, want := range map[string]int{"propagated_states": 1, "frame_reports": 2, "relocalizations": 1} {
		n, err := r.Count(table, "a")
		require.NoError(t, err)
		assert.Equal(t, want, n, table)
	}
	_, err = r.Count("sqlite_master", "a")
	assert.Error(t, err)
}

func TestRecorder_SkipLatest(t *testing.T) {
	r := openTestRecorder(t, filepath.Join(t.TempDir(), "t.db"), RecorderOptions{SkipLatest: true})
	r.PublishLatest("a", vio.InitialState())
	r.PublishFrame(frameReport("a", 1))
	require.NoError(t, r.Close())
	assert.Equal(t, uint64(1), r.Stats().Written)
}

func TestRecorder_PublishAfterClose(t *testing.T) {
	r := openTestRecorder(t, filepath.Join(t.TempDir(), "t.db"), RecorderOptions{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.NotPanics(t, func() { r.PublishFrame(frameReport("a", 1)) })
	assert.Zero(t, r.Stats().Dropped)
}

func TestRecorder_AdminRoutes(t *testing.T) {
	r := openTestRecorder(t, filepath.Join(t.TempDir(), "t.db"), RecorderOptions{})
	r.PublishFrame(frameReport("a", 1))
	require.Eventually(t, func() bool { return r.Stats().Written == 1 }, 2*time.Second, 5*time.Millisecond)

	mux := http.NewServeMux()
	require.NoError(t, r.AttachAdminRoutes(mux))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/trajectory?session=a"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Stats  RecorderStats `json:"stats"`
		Frames []FrameRow    `json:"frames"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Frames, 1)
	assert.Equal(t, "a", body.Frames[0].SessionID)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/trajectory?limit=x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/trajectory-chart?session=a"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Trajectory")
	assert.Contains(t, w.Body.String(), "session=a frames=1")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/trajectory-chart?limit=x"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LoopbackRequest(http.MethodGet, "/debug/tailsql/"))
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}

func TestRenderTrajectoryChart_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTrajectoryChart(&buf, "", nil))
	assert.Contains(t, buf.String(), "session=all frames=0")
}
