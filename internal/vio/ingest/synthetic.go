package ingest

import (
	"context"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/timeutil"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/kinematics"
)

// SyntheticConfig describes a body driving a horizontal circle at constant
// speed while a camera tracks a fixed set of features. Zero values select
// defaults.
type SyntheticConfig struct {
	InertialRate float64 // Hz, default 200
	FrameRate    float64 // Hz, default 20
	Radius       float64 // m, default 2
	AngularRate  float64 // rad/s, default 0.5
	Gravity      float64 // m/s², default 9.81
	Features     int     // tracked features per frame, default 30
	NumCameras   int     // default 1
	Start        float64 // timestamp of the first sample, seconds
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.InertialRate <= 0 {
		c.InertialRate = 200
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 20
	}
	if c.Radius <= 0 {
		c.Radius = 2
	}
	if c.AngularRate == 0 {
		c.AngularRate = 0.5
	}
	if c.Gravity <= 0 {
		c.Gravity = 9.81
	}
	if c.Features <= 0 {
		c.Features = 30
	}
	if c.NumCameras <= 0 {
		c.NumCameras = 1
	}
	return c
}

// Synthetic generates a deterministic measurement stream. It is not safe
// for concurrent use.
type Synthetic struct {
	cfg       SyntheticConfig
	step      int
	perFrame  int
	nextFrame int
}

// NewSynthetic returns a generator positioned at cfg.Start.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	cfg = cfg.withDefaults()
	per := int(math.Round(cfg.InertialRate / cfg.FrameRate))
	if per < 1 {
		per = 1
	}
	return &Synthetic{cfg: cfg, perFrame: per}
}

// Pose returns the true position, velocity and orientation at t seconds
// after Start.
func (g *Synthetic) Pose(t float64) (r3.Vec, r3.Vec, quat.Number) {
	r, w := g.cfg.Radius, g.cfg.AngularRate
	theta := w * t
	pos := r3.Vec{X: r * math.Cos(theta), Y: r * math.Sin(theta)}
	vel := r3.Vec{X: -r * w * math.Sin(theta), Y: r * w * math.Cos(theta)}
	return pos, vel, yaw(theta + math.Pi/2)
}

func yaw(a float64) quat.Number {
	return quat.Number{Real: math.Cos(a / 2), Kmag: math.Sin(a / 2)}
}

// Inertial returns the ideal reading at t seconds after Start.
func (g *Synthetic) Inertial(t float64) vio.InertialSample {
	r, w := g.cfg.Radius, g.cfg.AngularRate
	theta := w * t
	accel := r3.Vec{X: -r * w * w * math.Cos(theta), Y: -r * w * w * math.Sin(theta), Z: g.cfg.Gravity}
	_, _, q := g.Pose(t)
	return vio.InertialSample{
		Timestamp: g.cfg.Start + t,
		Accel:     kinematics.Rotate(quat.Conj(q), accel),
		Gyro:      r3.Vec{Z: w},
	}
}

// Frame returns the feature observations at t seconds after Start. Each
// feature drifts across the image with a constant apparent velocity.
func (g *Synthetic) Frame(t float64) vio.FeatureFrame {
	frame := vio.FeatureFrame{Timestamp: g.cfg.Start + t}
	for id := 0; id < g.cfg.Features; id++ {
		phase := float64(id) * 2 * math.Pi / float64(g.cfg.Features)
		w := g.cfg.AngularRate
		x := 0.4*math.Cos(phase) + 0.05*math.Sin(w*t+phase)
		y := 0.3*math.Sin(phase) + 0.05*math.Cos(w*t+phase)
		vx := 0.05 * w * math.Cos(w*t+phase)
		vy := -0.05 * w * math.Sin(w*t+phase)
		frame.Observations = append(frame.Observations, vio.FeatureObservation{
			FeatureID: id,
			CameraID:  id % g.cfg.NumCameras,
			Ray:       r3.Vec{X: x, Y: y, Z: 1},
			Pixel:     [2]float64{320 + 460*x, 240 + 460*y},
			Velocity:  [2]float64{vx, vy},
		})
	}
	return frame
}

// Measurement is one generated item: either an inertial sample or a frame.
type Measurement struct {
	Inertial *vio.InertialSample
	Frame    *vio.FeatureFrame
}

// Next returns the next measurement in timestamp order. A frame that
// shares its timestamp with a sample is emitted after it.
func (g *Synthetic) Next() Measurement {
	if g.nextFrame < g.step {
		f := g.Frame(float64(g.nextFrame) / g.cfg.InertialRate)
		g.nextFrame += g.perFrame
		return Measurement{Frame: &f}
	}
	s := g.Inertial(float64(g.step) / g.cfg.InertialRate)
	g.step++
	return Measurement{Inertial: &s}
}

// Generate returns the first d seconds of the stream.
func (g *Synthetic) Generate(d float64) []Measurement {
	var out []Measurement
	for {
		m := g.Next()
		var ts float64
		if m.Inertial != nil {
			ts = m.Inertial.Timestamp
		} else {
			ts = m.Frame.Timestamp
		}
		if ts-g.cfg.Start > d+1e-9 {
			return out
		}
		out = append(out, m)
	}
}

// Run pushes measurements into sink at the inertial rate until ctx is done
// or the sink is closed. Push errors other than vio.ErrClosed are ignored.
func (g *Synthetic) Run(ctx context.Context, sink Sink, clock timeutil.Clock) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(time.Duration(float64(time.Second) / g.cfg.InertialRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
		// Emit everything up to and including the next inertial sample.
		for {
			m := g.Next()
			var err error
			if m.Frame != nil {
				err = sink.PushFeatureFrame(*m.Frame)
			} else {
				err = sink.PushInertial(*m.Inertial)
			}
			if errors.Is(err, vio.ErrClosed) {
				return nil
			}
			if m.Inertial != nil {
				break
			}
		}
	}
}
