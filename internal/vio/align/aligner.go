// Package align pairs each pending feature frame with the inertial samples
// covering it.
//
// Invariant of every emitted bundle, with boundary = frame.Timestamp + td:
// all inertial samples but the last are strictly before the boundary, the
// last is at or after it. The last (boundary) sample is read without being
// removed; it stays at the head of the inertial queue and opens the next
// bundle's coverage.
package align

import (
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/buffer"
)

// Observer receives the aligner's diagnostic events. Implementations must
// not block; they are called with the ingestion lock held.
type Observer interface {
	// WaitingForInertial is called when the newest inertial sample does
	// not yet reach past the oldest frame.
	WaitingForInertial(frameTimestamp, newestInertial float64)
	// StaleFrame is called when a frame older than every buffered inertial
	// sample is dropped.
	StaleFrame(frameTimestamp, oldestInertial float64)
	// EmptyBundle is called when a bundle holds only the boundary sample.
	EmptyBundle(frameTimestamp float64)
}

type nopObserver struct{}

func (nopObserver) WaitingForInertial(float64, float64) {}
func (nopObserver) StaleFrame(float64, float64)         {}
func (nopObserver) EmptyBundle(float64)                 {}

// Aligner drains the primary queues into measurement bundles. It holds no
// buffered data of its own.
type Aligner struct {
	observer Observer
}

// New returns an Aligner reporting to observer. A nil observer discards
// diagnostics.
func New(observer Observer) *Aligner {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Aligner{observer: observer}
}

// TryAlign produces every bundle that the queues can currently support and
// returns them in frame order. The caller must hold exclusive access to both
// queues. An empty result with nothing dropped leaves the queues untouched.
func (a *Aligner) TryAlign(imu *buffer.Queue[vio.InertialSample], frames *buffer.Queue[vio.FeatureFrame], td float64) []vio.MeasurementBundle {
	var bundles []vio.MeasurementBundle
	for {
		oldestFrame, ok := frames.Front()
		if !ok || imu.Empty() {
			return bundles
		}
		boundary := oldestFrame.Timestamp + td

		newest, _ := imu.Back()
		if !(newest.Timestamp > boundary) {
			a.observer.WaitingForInertial(oldestFrame.Timestamp, newest.Timestamp)
			return bundles
		}

		oldest, _ := imu.Front()
		if !(oldest.Timestamp < boundary) {
			frames.Pop()
			a.observer.StaleFrame(oldestFrame.Timestamp, oldest.Timestamp)
			continue
		}

		frame, _ := frames.Pop()
		var inertial []vio.InertialSample
		for {
			s, _ := imu.Front()
			if !(s.Timestamp < boundary) {
				break
			}
			imu.Pop()
			inertial = append(inertial, s)
		}
		// The newest sample is past the boundary, so the queue is not empty
		// here and its head is the boundary sample.
		closing, _ := imu.Front()
		// Guard only: the stale-frame check above leaves at least one
		// sample before the boundary.
		if len(inertial) == 0 {
			a.observer.EmptyBundle(frame.Timestamp)
		}
		inertial = append(inertial, closing)
		bundles = append(bundles, vio.MeasurementBundle{Inertial: inertial, Frame: frame})
	}
}

// Ready reports whether TryAlign would change the queues: either a bundle
// can be emitted or a stale frame would be dropped.
func Ready(imu *buffer.Queue[vio.InertialSample], frames *buffer.Queue[vio.FeatureFrame], td float64) bool {
	oldestFrame, ok := frames.Front()
	if !ok || imu.Empty() {
		return false
	}
	newest, _ := imu.Back()
	return newest.Timestamp > oldestFrame.Timestamp+td
}
