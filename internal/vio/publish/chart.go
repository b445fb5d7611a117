package publish

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// renderTrajectoryChart writes a top-down HTML scatter of frame positions,
// coloured by timestamp.
func renderTrajectoryChart(w io.Writer, session string, frames []FrameRow) error {
	pts := make([]opts.ScatterData, 0, len(frames))
	maxAbs := 0.0
	first, last := math.Inf(1), math.Inf(-1)
	for _, f := range frames {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(f.Position.X), math.Abs(f.Position.Y)))
		first = math.Min(first, f.Timestamp)
		last = math.Max(last, f.Timestamp)
		pts = append(pts, opts.ScatterData{Value: []interface{}{f.Position.X, f.Position.Y, f.Timestamp}})
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1
	}
	if len(frames) == 0 {
		first, last = 0, 1
	}
	if session == "" {
		session = "all"
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory", Subtitle: fmt.Sprintf("session=%s frames=%d", session, len(pts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(first),
			Max:        float32(last),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("odometry", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		return fmt.Errorf("render trajectory chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
