package geom

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a rotation quaternion. Real is w; Imag, Jmag and Kmag are x, y and z.
// Values supplied by callers are never assumed to be unit length.
type Quaternion quat.Number

// NewQuaternion builds a quaternion from [w, x, y, z] components.
func NewQuaternion(w, x, y, z float64) Quaternion {
	return Quaternion{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// IdentityQuaternion is the zero rotation.
func IdentityQuaternion() Quaternion {
	return Quaternion{Real: 1}
}

// WXYZ returns the components in the order used by the configuration file.
func (q Quaternion) WXYZ() [4]float64 {
	return [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}
}

// Norm returns the quaternion magnitude.
func (q Quaternion) Norm() float64 {
	return quat.Abs(quat.Number(q))
}

// Normalize returns q scaled to unit length.
func (q Quaternion) Normalize() (Quaternion, error) {
	n := q.Norm()
	if n < quaternionEpsilon || math.IsNaN(n) || math.IsInf(n, 0) {
		return Quaternion{}, ErrInvalidRotation
	}
	return Quaternion(quat.Scale(1/n, quat.Number(q))), nil
}

// Canonical returns q with a non-negative scalar part. q and -q describe the same
// rotation; the canonical form makes the mapping from matrices deterministic.
func (q Quaternion) Canonical() Quaternion {
	if q.Real < 0 {
		return Quaternion(quat.Scale(-1, quat.Number(q)))
	}
	return q
}

// Mul returns the Hamilton product q * o.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion(quat.Mul(quat.Number(q), quat.Number(o)))
}

// FromAxisAngle returns the rotation of angle radians about axis. The axis is
// normalised here.
func FromAxisAngle(axis r3.Vector, angle float64) (Quaternion, error) {
	n := axis.Norm()
	if n < quaternionEpsilon {
		return Quaternion{}, ErrInvalidRotation
	}
	a := axis.Mul(1 / n)
	s := math.Sin(angle / 2)
	return Quaternion{Real: math.Cos(angle / 2), Imag: a.X * s, Jmag: a.Y * s, Kmag: a.Z * s}, nil
}

// rotationMatrix returns the row-major rotation for a unit quaternion.
func (q Quaternion) rotationMatrix() [9]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// FromTranslationQuaternion builds a transform from a translation and a rotation
// quaternion. q is normalised first; ErrInvalidRotation is returned when it is
// degenerate.
func FromTranslationQuaternion(t r3.Vector, q Quaternion) (Transform, error) {
	u, err := q.Normalize()
	if err != nil {
		return Transform{}, err
	}
	return fromRotation(u.rotationMatrix(), t), nil
}

// TranslationQuaternion decomposes t into its translation and a normalised,
// sign-canonical (w >= 0) quaternion.
func (t Transform) TranslationQuaternion() (r3.Vector, Quaternion) {
	return t.Translation(), t.Quaternion()
}

// Quaternion extracts the rotation of t using Shepperd's method, which picks the
// numerically largest diagonal term to divide by.
func (t Transform) Quaternion() Quaternion {
	r := t.Rotation()
	r00, r01, r02 := r[0], r[1], r[2]
	r10, r11, r12 := r[3], r[4], r[5]
	r20, r21, r22 := r[6], r[7], r[8]

	var q Quaternion
	trace := r00 + r11 + r22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = Quaternion{Real: s / 4, Imag: (r21 - r12) / s, Jmag: (r02 - r20) / s, Kmag: (r10 - r01) / s}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = Quaternion{Real: (r21 - r12) / s, Imag: s / 4, Jmag: (r01 + r10) / s, Kmag: (r02 + r20) / s}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = Quaternion{Real: (r02 - r20) / s, Imag: (r01 + r10) / s, Jmag: s / 4, Kmag: (r12 + r21) / s}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = Quaternion{Real: (r10 - r01) / s, Imag: (r02 + r20) / s, Jmag: (r12 + r21) / s, Kmag: s / 4}
	}

	u, err := q.Normalize()
	if err != nil {
		// Only reachable for a non-rotation block (e.g. all zeros).
		return IdentityQuaternion()
	}
	return u.Canonical()
}

// RotationBetween returns the minimal rotation taking direction from onto
// direction to: axis = normalised cross product, angle = acos(clamp(dot)).
// Parallel inputs give the identity. Anti-parallel inputs have no unique axis and
// return ErrInvalidRotation.
func RotationBetween(from, to r3.Vector) (Quaternion, error) {
	if from.Norm() < quaternionEpsilon || to.Norm() < quaternionEpsilon {
		return Quaternion{}, ErrInvalidRotation
	}
	a, b := from.Normalize(), to.Normalize()
	dot := clamp(a.Dot(b), -1, 1)
	axis := a.Cross(b)
	if axis.Norm() < 1e-12 {
		if dot > 0 {
			return IdentityQuaternion(), nil
		}
		return Quaternion{}, ErrInvalidRotation
	}
	return FromAxisAngle(axis, math.Acos(dot))
}
