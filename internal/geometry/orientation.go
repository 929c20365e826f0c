package geometry

import (
	"fmt"
	"math"

	"github.com/skelterjohn/go.matrix"
	"github.com/westphae/quaternion"
)

var (
	// nedToENU rotates North-East-Down world axes onto East-North-Up axes.
	nedToENU = NewOrientation(math.Sqrt2/2, math.Sqrt2/2, 0, 0)

	// aircraftToBaselink rotates Forward-Right-Down body axes onto
	// Forward-Left-Up body axes.
	aircraftToBaselink = NewOrientation(1, 0, 0, 0)
)

// Orientation is a body-to-world rotation stored as a quaternion.
//
// The zero value is the "no attitude received yet" state. Its rotation
// operator is the zero matrix, so any vector rotated by it collapses to the
// origin.
type Orientation struct {
	q quaternion.Quaternion
}

// NewOrientation creates an Orientation from the x, y, z, w quaternion
// components. The components are taken as given, without normalisation.
func NewOrientation(x, y, z, w float64) Orientation {
	return Orientation{q: quaternion.Quaternion{W: w, X: x, Y: y, Z: z}}
}

// Identity returns the orientation that leaves vectors unchanged.
func Identity() Orientation {
	return NewOrientation(0, 0, 0, 1)
}

// Components returns the x, y, z, w quaternion components.
func (o Orientation) Components() (x, y, z, w float64) {
	return o.q.X, o.q.Y, o.q.Z, o.q.W
}

// IsZero reports whether all quaternion components are zero.
func (o Orientation) IsZero() bool {
	return o.q.W == 0 && o.q.X == 0 && o.q.Y == 0 && o.q.Z == 0
}

// Unit returns the orientation normalised to unit length. The zero
// orientation is returned unchanged.
func (o Orientation) Unit() Orientation {
	if o.IsZero() {
		return o
	}
	return Orientation{q: quaternion.Unit(o.q)}
}

// Mul composes two rotations: the result applies other first, then o.
func (o Orientation) Mul(other Orientation) Orientation {
	return Orientation{q: quaternion.Prod(o.q, other.q)}
}

// Conj returns the inverse rotation of a unit orientation.
func (o Orientation) Conj() Orientation {
	return Orientation{q: quaternion.Conj(o.q)}
}

// RotationMatrix returns the 3x3 rotation operator equivalent to the
// quaternion.
func (o Orientation) RotationMatrix() *matrix.DenseMatrix {
	if o.IsZero() {
		return matrix.Zeros(3, 3)
	}

	x, y, z, w := o.q.X, o.q.Y, o.q.Z, o.q.W

	tx, ty, tz := 2*x, 2*y, 2*z
	twx, twy, twz := tx*w, ty*w, tz*w
	txx, txy, txz := tx*x, ty*x, tz*x
	tyy, tyz, tzz := ty*y, tz*y, tz*z

	return matrix.MakeDenseMatrix([]float64{
		1 - (tyy + tzz), txy - twz, txz + twy,
		txy + twz, 1 - (txx + tzz), tyz - twx,
		txz - twy, tyz + twx, 1 - (txx + tyy),
	}, 3, 3)
}

// Rotate applies the rotation operator to v.
func (o Orientation) Rotate(v Vector) Vector {
	column := matrix.MakeDenseMatrix([]float64{v.X, v.Y, v.Z}, 3, 1)
	r := matrix.Product(o.RotationMatrix(), column)

	return Vector{X: r.Get(0, 0), Y: r.Get(1, 0), Z: r.Get(2, 0)}
}

// String implements fmt.Stringer
func (o Orientation) String() string {
	return fmt.Sprintf("(x=%.4f y=%.4f z=%.4f w=%.4f)", o.q.X, o.q.Y, o.q.Z, o.q.W)
}

// AircraftToBaselink converts an attitude reported by an autopilot
// (Forward-Right-Down body relative to North-East-Down world) into a
// Forward-Left-Up body attitude relative to East-North-Up world.
func AircraftToBaselink(q Orientation) Orientation {
	if q.IsZero() {
		return q
	}
	return nedToENU.Mul(q).Mul(aircraftToBaselink)
}
