// Package dispatch feeds aligned measurement bundles into the Estimator.
package dispatch

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/kinematics"
)

// TimingError reports a bundle whose timestamps would drive the estimator
// clock backwards. The dispatch cycle is aborted when it is returned; the
// estimator may have received part of the bundle.
type TimingError struct {
	Frame  float64 // frame timestamp
	Sample float64 // offending inertial timestamp
	Cursor float64 // dispatcher clock when the sample was reached
	Reason string
}

func (e *TimingError) Error() string {
	return fmt.Sprintf("dispatch timing violation at frame %.6f: sample %.6f, cursor %.6f: %s",
		e.Frame, e.Sample, e.Cursor, e.Reason)
}

// IsTimingError reports whether err wraps a *TimingError.
func IsTimingError(err error) bool {
	var te *TimingError
	return errors.As(err, &te)
}

// Result is what the caller needs after a successful dispatch to rebase
// propagation and publish.
type Result struct {
	Frame       float64
	Phase       vio.SolverPhase
	WindowEnd   vio.ConfirmedState
	Gravity     r3.Vec
	TimeOffset  float64
	Relocalized bool
	Outputs     vio.FrameOutputs
}

// Dispatcher owns the estimator clock cursor. It is not safe for concurrent
// use; callers hold the estimator lock.
type Dispatcher struct {
	estimator   vio.Estimator
	currentTime float64
}

// New returns a Dispatcher feeding est.
func New(est vio.Estimator) *Dispatcher {
	return &Dispatcher{estimator: est, currentTime: vio.NoTimestamp}
}

// CurrentTime returns the estimator clock cursor, or vio.NoTimestamp.
func (d *Dispatcher) CurrentTime() float64 {
	return d.currentTime
}

// ResetCursor returns the cursor to the uninitialized sentinel.
func (d *Dispatcher) ResetCursor() {
	d.currentTime = vio.NoTimestamp
}

// Interpolate returns the inertial reading at time t on the straight line
// between prev and next.
func Interpolate(prev, next vio.InertialSample, t float64) vio.InertialSample {
	span := next.Timestamp - prev.Timestamp
	w := 1.0
	if span > 0 {
		w = (t - prev.Timestamp) / span
	}
	return vio.InertialSample{
		Timestamp: t,
		Accel:     kinematics.Lerp(prev.Accel, next.Accel, w),
		Gyro:      kinematics.Lerp(prev.Gyro, next.Gyro, w),
	}
}

// Dispatch feeds one bundle to the estimator with td as the time offset:
// every interior sample as a plain inertial update, the closing sample
// interpolated to the frame boundary, then the optional relocalization
// message and the grouped features.
func (d *Dispatcher) Dispatch(bundle vio.MeasurementBundle, td float64, relo *vio.RelocalizationMessage) (Result, error) {
	n := len(bundle.Inertial)
	if n == 0 {
		return Result{}, &TimingError{Frame: bundle.Frame.Timestamp, Sample: vio.NoTimestamp, Cursor: d.currentTime, Reason: "bundle has no inertial samples"}
	}
	boundary := bundle.Boundary(td)

	var prev *vio.InertialSample
	for i := 0; i < n-1; i++ {
		s := bundle.Inertial[i]
		if err := d.feed(s, bundle.Frame.Timestamp); err != nil {
			return Result{}, err
		}
		prev = &bundle.Inertial[i]
	}

	closing := bundle.Inertial[n-1]
	// Single-sample bundles never come from the aligner; this handles
	// bundles built by other callers.
	if prev == nil {
		prev = &closing
		if d.currentTime == vio.NoTimestamp {
			d.currentTime = boundary
		}
	}
	dt1 := boundary - d.currentTime
	dt2 := closing.Timestamp - boundary
	if dt1 < 0 || dt2 < 0 {
		return Result{}, &TimingError{Frame: bundle.Frame.Timestamp, Sample: closing.Timestamp, Cursor: d.currentTime, Reason: "boundary sample out of order"}
	}
	// The previous reading is held from the cursor, so the closing sample
	// weighs dt1/(dt1+dt2).
	held := vio.InertialSample{Timestamp: d.currentTime, Accel: prev.Accel, Gyro: prev.Gyro}
	at := Interpolate(held, closing, boundary)
	d.estimator.ProcessInertial(dt1, at.Accel, at.Gyro)
	d.currentTime = boundary

	res := Result{Frame: bundle.Frame.Timestamp}
	if relo != nil {
		d.estimator.SetRelocalizationFrame(*relo)
		res.Relocalized = true
	}

	if err := d.estimator.ProcessFrame(bundle.Frame.GroupFeatures(), bundle.Frame.Timestamp); err != nil {
		return res, fmt.Errorf("estimator rejected frame %.6f: %w", bundle.Frame.Timestamp, err)
	}

	res.Phase = d.estimator.Phase()
	res.WindowEnd = d.estimator.WindowEnd()
	// Propagation continues on the inertial clock from the boundary.
	res.WindowEnd.Timestamp = d.currentTime
	res.Gravity = d.estimator.Gravity()
	res.TimeOffset = d.estimator.TimeOffset()
	res.Outputs = d.estimator.Outputs()
	if !res.Relocalized {
		res.Outputs.Relocalization = nil
	}
	return res, nil
}

func (d *Dispatcher) feed(s vio.InertialSample, frame float64) error {
	if d.currentTime == vio.NoTimestamp {
		d.currentTime = s.Timestamp
	}
	dt := s.Timestamp - d.currentTime
	if dt < 0 {
		return &TimingError{Frame: frame, Sample: s.Timestamp, Cursor: d.currentTime, Reason: "negative dt"}
	}
	d.currentTime = s.Timestamp
	d.estimator.ProcessInertial(dt, s.Accel, s.Gyro)
	return nil
}
