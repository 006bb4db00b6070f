// Package geom converts between the rigid-transform representations used by the
// calibration pipeline: 4x4 row-major matrices, translation plus unit quaternion,
// and translation plus roll/pitch/yaw Euler angles.
//
// Rotation order is fixed everywhere in this package: a transform built from Euler
// angles is T * Rz(yaw) * Ry(pitch) * Rx(roll). Every call site goes through
// FromEuler/Euler so the order cannot drift between callers.
package geom

import (
	"errors"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats/scalar"
)

// ErrInvalidRotation is returned when a quaternion is too close to zero length to
// describe a rotation.
var ErrInvalidRotation = errors.New("invalid rotation: degenerate quaternion")

// quaternionEpsilon is the smallest quaternion norm accepted before normalisation.
const quaternionEpsilon = 1e-12

// Transform is a 4x4 homogeneous rigid transform in row-major order:
// m00,m01,m02,m03, m10,... The upper-left 3x3 block is a proper rotation and the
// last row is [0 0 0 1].
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the element at row r, column c.
func (t Transform) At(r, c int) float64 {
	return t[r*4+c]
}

// Translation returns the last column.
func (t Transform) Translation() r3.Vector {
	return r3.Vector{X: t[3], Y: t[7], Z: t[11]}
}

// WithTranslation returns a copy of t with its translation replaced.
func (t Transform) WithTranslation(v r3.Vector) Transform {
	t[3], t[7], t[11] = v.X, v.Y, v.Z
	return t
}

// Rotation returns the 3x3 rotation block in row-major order.
func (t Transform) Rotation() [9]float64 {
	return [9]float64{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	}
}

// fromRotation builds a transform from a row-major 3x3 rotation and a translation.
func fromRotation(r [9]float64, v r3.Vector) Transform {
	return Transform{
		r[0], r[1], r[2], v.X,
		r[3], r[4], r[5], v.Y,
		r[6], r[7], r[8], v.Z,
		0, 0, 0, 1,
	}
}

// Mul returns t * o (o is applied first).
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform (R^T, -R^T t).
func (t Transform) Inverse() Transform {
	r := t.Rotation()
	rt := [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	v := t.Translation()
	inv := r3.Vector{
		X: -(rt[0]*v.X + rt[1]*v.Y + rt[2]*v.Z),
		Y: -(rt[3]*v.X + rt[4]*v.Y + rt[5]*v.Z),
		Z: -(rt[6]*v.X + rt[7]*v.Y + rt[8]*v.Z),
	}
	return fromRotation(rt, inv)
}

// Apply transforms point p.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Rotate applies only the rotation block to v (for directions such as normals).
func (t Transform) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*v.X + t[1]*v.Y + t[2]*v.Z,
		Y: t[4]*v.X + t[5]*v.Y + t[6]*v.Z,
		Z: t[8]*v.X + t[9]*v.Y + t[10]*v.Z,
	}
}

// IsRigid reports whether the rotation block is orthonormal with determinant +1
// and the last row is [0 0 0 1], all within tol.
func (t Transform) IsRigid(tol float64) bool {
	r := t.Rotation()
	det := r[0]*(r[4]*r[8]-r[5]*r[7]) - r[1]*(r[3]*r[8]-r[5]*r[6]) + r[2]*(r[3]*r[7]-r[4]*r[6])
	if math.Abs(det-1) > tol {
		return false
	}
	// R * R^T must be identity.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := r[i*3]*r[j*3] + r[i*3+1]*r[j*3+1] + r[i*3+2]*r[j*3+2]
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	return t[12] == 0 && t[13] == 0 && t[14] == 0 && math.Abs(t[15]-1) <= tol
}

// AlmostEqual compares two transforms element-wise.
func (t Transform) AlmostEqual(o Transform, tol float64) bool {
	for i := range t {
		if !scalar.EqualWithinAbs(t[i], o[i], tol) {
			return false
		}
	}
	return true
}

// RotationAngle returns the angle in radians of the rotation block.
func (t Transform) RotationAngle() float64 {
	r := t.Rotation()
	c := (r[0] + r[4] + r[8] - 1) / 2
	return math.Acos(clamp(c, -1, 1))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
