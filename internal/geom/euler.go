package geom

import (
	"math"

	"github.com/golang/geo/r3"
)

// GimbalLockThreshold is the sqrt(R00^2 + R10^2) value below which Euler
// extraction treats pitch as +/-90 degrees.
const GimbalLockThreshold = 1e-6

// Euler holds roll, pitch and yaw in radians, applied as Rz(yaw) * Ry(pitch) * Rx(roll).
type Euler struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Slice returns [roll, pitch, yaw].
func (e Euler) Slice() [3]float64 {
	return [3]float64{e.Roll, e.Pitch, e.Yaw}
}

// FromEuler builds T * Rz(yaw) * Ry(pitch) * Rx(roll).
func FromEuler(t r3.Vector, e Euler) Transform {
	sr, cr := math.Sincos(e.Roll)
	sp, cp := math.Sincos(e.Pitch)
	sy, cy := math.Sincos(e.Yaw)
	r := [9]float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	}
	return fromRotation(r, t)
}

// Euler extracts roll, pitch and yaw from the rotation block.
//
// Near pitch = +/-90 degrees roll and yaw are not separable. When
// sqrt(R00^2 + R10^2) < GimbalLockThreshold yaw is fixed at exactly 0 and the whole
// in-plane rotation is attributed to roll. This branch loses information by
// construction and is not an error.
func (t Transform) Euler() Euler {
	r := t.Rotation()
	sy := math.Sqrt(r[0]*r[0] + r[3]*r[3])
	if sy < GimbalLockThreshold {
		return Euler{
			Roll:  math.Atan2(-r[5], r[4]),
			Pitch: math.Atan2(-r[6], sy),
			Yaw:   0,
		}
	}
	return Euler{
		Roll:  math.Atan2(r[7], r[8]),
		Pitch: math.Atan2(-r[6], sy),
		Yaw:   math.Atan2(r[3], r[0]),
	}
}

// IsGimbalLocked reports whether Euler extraction for t takes the singular branch.
func (t Transform) IsGimbalLocked() bool {
	return math.Hypot(t[0], t[4]) < GimbalLockThreshold
}

// Euler converts a quaternion to roll, pitch and yaw through its rotation matrix.
func (q Quaternion) Euler() (Euler, error) {
	m, err := FromTranslationQuaternion(r3.Vector{}, q)
	if err != nil {
		return Euler{}, err
	}
	return m.Euler(), nil
}

// QuaternionFromEuler converts roll, pitch and yaw to a canonical quaternion.
func QuaternionFromEuler(e Euler) Quaternion {
	return FromEuler(r3.Vector{}, e).Quaternion()
}
