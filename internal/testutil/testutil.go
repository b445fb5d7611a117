// Package testutil provides shared test helpers: approximate vector and
// quaternion assertions, measurement builders and debug-route requests.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
)

// AssertVecNear checks that two vectors match component-wise within tol.
func AssertVecNear(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	if math.Abs(want.X-got.X) > tol || math.Abs(want.Y-got.Y) > tol || math.Abs(want.Z-got.Z) > tol {
		t.Errorf("vector = %+v, want %+v (tol %g)", got, want, tol)
	}
}

// AssertQuatNear checks that two quaternions match component-wise within tol.
func AssertQuatNear(t *testing.T, want, got quat.Number, tol float64) {
	t.Helper()
	d := quat.Sub(want, got)
	if math.Abs(d.Real) > tol || math.Abs(d.Imag) > tol || math.Abs(d.Jmag) > tol || math.Abs(d.Kmag) > tol {
		t.Errorf("quaternion = %+v, want %+v (tol %g)", got, want, tol)
	}
}

// Sample builds an inertial sample with the given timestamp and readings.
func Sample(ts float64, accel, gyro r3.Vec) vio.InertialSample {
	return vio.InertialSample{Timestamp: ts, Accel: accel, Gyro: gyro}
}

// Samples builds n samples spaced by dt starting at t0, all reading a
// constant specific force and zero rotation.
func Samples(t0, dt float64, n int, accel r3.Vec) []vio.InertialSample {
	out := make([]vio.InertialSample, n)
	for i := range out {
		out[i] = Sample(t0+float64(i)*dt, accel, r3.Vec{})
	}
	return out
}

// Frame builds a feature frame at ts with one observation per feature ID
// on camera 0.
func Frame(ts float64, featureIDs ...int) vio.FeatureFrame {
	f := vio.FeatureFrame{Timestamp: ts}
	for _, id := range featureIDs {
		f.Observations = append(f.Observations, vio.FeatureObservation{
			FeatureID: id,
			Ray:       r3.Vec{X: 0.1 * float64(id), Y: -0.1 * float64(id), Z: 1},
			Pixel:     [2]float64{320 + float64(id), 240 - float64(id)},
		})
	}
	return f
}

// LoopbackRequest builds a request from 127.0.0.1 so that it passes the
// access check of tsweb debug routes.
func LoopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
