// Package kinematics implements strapdown inertial mechanization on gonum
// vectors and quaternions.
package kinematics

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity is the identity rotation.
var Identity = quat.Number{Real: 1}

// Rotate applies the unit quaternion q to v (q·v·q*).
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// DeltaQ is the small-angle quaternion for the rotation vector theta.
// It is not normalized.
func DeltaQ(theta r3.Vec) quat.Number {
	half := r3.Scale(0.5, theta)
	return quat.Number{Real: 1, Imag: half.X, Jmag: half.Y, Kmag: half.Z}
}

// Normalize scales q to unit length. A zero quaternion becomes Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Lerp returns (1-w)·a + w·b.
func Lerp(a, b r3.Vec, w float64) r3.Vec {
	return r3.Add(r3.Scale(1-w, a), r3.Scale(w, b))
}

// Motion is the part of a navigation state changed by one integration step.
type Motion struct {
	Position    r3.Vec
	Velocity    r3.Vec
	Orientation quat.Number
}

// Biases are the accelerometer and gyroscope biases removed before
// integration.
type Biases struct {
	Accel r3.Vec
	Gyro  r3.Vec
}

// MidpointStep integrates one inertial interval with the midpoint rule.
// acc0/gyr0 are the readings at the start of the interval, acc1/gyr1 at
// its end. Acceleration at the start is rotated with the orientation
// before the step, acceleration at the end with the orientation after it.
// gravity is the world-frame gravity vector subtracted from the rotated
// specific force.
func MidpointStep(m Motion, b Biases, gravity, acc0, gyr0, acc1, gyr1 r3.Vec, dt float64) Motion {
	unAcc0 := r3.Sub(Rotate(m.Orientation, r3.Sub(acc0, b.Accel)), gravity)

	unGyr := r3.Sub(r3.Scale(0.5, r3.Add(gyr0, gyr1)), b.Gyro)
	q := Normalize(quat.Mul(m.Orientation, DeltaQ(r3.Scale(dt, unGyr))))

	unAcc1 := r3.Sub(Rotate(q, r3.Sub(acc1, b.Accel)), gravity)
	unAcc := r3.Scale(0.5, r3.Add(unAcc0, unAcc1))

	return Motion{
		Position:    r3.Add(m.Position, r3.Add(r3.Scale(dt, m.Velocity), r3.Scale(0.5*dt*dt, unAcc))),
		Velocity:    r3.Add(m.Velocity, r3.Scale(dt, unAcc)),
		Orientation: q,
	}
}
