package ground

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-extrinsics/internal/geom"
)

// ErrDegenerateNormals is returned when the target and reference normals are
// anti-parallel, or one of them has zero length, so the aligning rotation axis
// is undefined. A prior rotation hint has to come from the caller in that case.
var ErrDegenerateNormals = errors.New("degenerate normals: reference and target planes are anti-parallel")

// antiParallelTolerance is how close n_ref·n_target may get to -1.
const antiParallelTolerance = 1e-6

// Result is the outcome of aligning one target plane to the reference plane.
type Result struct {
	Transform geom.Transform
	// AngleRad is the rotation applied to the target normal.
	AngleRad float64
	// Axis is the unit rotation axis (zero when no rotation was needed).
	Axis r3.Vector
	// NormalShift is the translation applied along the reference normal.
	NormalShift float64
}

// Solve returns the transform aligning the target sensor's ground plane with the
// reference sensor's. Both planes are expressed in their sensor's raw frame.
//
// The rotation is the minimal rotation taking the target normal onto the reference
// normal. Plane alignment cannot resolve translation within the plane, so the
// in-plane part of prior's translation is kept and only the component along the
// reference normal is solved, making the transformed target plane offset equal to
// the reference offset.
func Solve(ref, target Plane, prior geom.Transform) (Result, error) {
	nr := ref.Normal.Normalize()
	nt := target.Normal.Normalize()

	dot := math.Max(-1, math.Min(1, nr.Dot(nt)))
	if dot < -1+antiParallelTolerance {
		return Result{}, ErrDegenerateNormals
	}

	// RotationBetween only fails for zero-length or anti-parallel normals.
	q, err := geom.RotationBetween(nt, nr)
	if err != nil {
		return Result{}, ErrDegenerateNormals
	}
	res := Result{AngleRad: math.Acos(dot)}
	if axis := nt.Cross(nr); axis.Norm() > 1e-12 {
		res.Axis = axis.Normalize()
	}

	// A target point p lands at R p + t. Its plane n_t·p + d_t = 0 becomes
	// n_r·p' + (d_t - n_r·t) = 0, so n_r·t = d_t - d_r.
	p := prior.Translation()
	inPlane := p.Sub(nr.Mul(nr.Dot(p)))
	res.NormalShift = target.D - ref.D
	t := inPlane.Add(nr.Mul(res.NormalShift))

	T, err := geom.FromTranslationQuaternion(t, q)
	if err != nil {
		return Result{}, fmt.Errorf("compose transform: %w", err)
	}
	res.Transform = T
	return res, nil
}
