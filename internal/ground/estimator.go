package ground

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
)

var (
	// ErrInsufficientPoints is returned when a cloud has fewer points than the
	// estimator needs to seed a fit.
	ErrInsufficientPoints = errors.New("insufficient points for ground plane fit")
	// ErrFitFailed is returned when the covariance cannot be decomposed (NaN input).
	ErrFitFailed = errors.New("ground plane fit failed")
)

// Params tunes the lowest-point-representative ground fit.
type Params struct {
	// NumIterations is the number of fit/classify rounds.
	NumIterations int `json:"num_iterations"`
	// NumSeedPoints is how many of the lowest points define the LPR height.
	NumSeedPoints int `json:"num_seed_points"`
	// SeedHeightThreshold is the band above the LPR height admitted as seeds (metres).
	SeedHeightThreshold float64 `json:"seed_height_threshold"`
	// DistanceThreshold is the inlier distance to the fitted plane (metres).
	DistanceThreshold float64 `json:"distance_threshold"`
}

// DefaultParams returns the values used for typical roof or mast mounts.
func DefaultParams() Params {
	return Params{
		NumIterations:       3,
		NumSeedPoints:       20,
		SeedHeightThreshold: 0.2,
		DistanceThreshold:   0.1,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.NumIterations < 1 {
		return fmt.Errorf("num_iterations must be at least 1, got %d", p.NumIterations)
	}
	if p.NumSeedPoints < 1 {
		return fmt.Errorf("num_seed_points must be at least 1, got %d", p.NumSeedPoints)
	}
	if p.SeedHeightThreshold < 0 {
		return fmt.Errorf("seed_height_threshold must be non-negative, got %f", p.SeedHeightThreshold)
	}
	if p.DistanceThreshold <= 0 {
		return fmt.Errorf("distance_threshold must be positive, got %f", p.DistanceThreshold)
	}
	return nil
}

// Estimator fits a ground plane by iterating from the lowest points of a cloud.
//
// The lowest NumSeedPoints points give a representative ground height. Every point
// within SeedHeightThreshold of it seeds a PCA plane fit, and each following round
// refits on the points within DistanceThreshold of the previous plane. Ground
// dominates the lower height band for the usual mounting geometry, so this settles
// in a few rounds and is deterministic.
type Estimator struct {
	params Params
}

// NewEstimator returns an estimator with the given parameters.
func NewEstimator(p Params) *Estimator {
	return &Estimator{params: p}
}

// Params returns the estimator configuration.
func (e *Estimator) Params() Params {
	return e.params
}

// Estimate fits the ground plane of c. Height is the sensor Z axis. A degenerate
// configuration (collinear or coincident seeds) returns the ill-conditioned plane
// without error; check Plane.Conditioning when that matters.
func (e *Estimator) Estimate(c *cloud.Cloud) (Plane, error) {
	n := c.Len()
	if n < e.params.NumSeedPoints || n < 3 {
		return Plane{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, n, max(e.params.NumSeedPoints, 3))
	}

	pts := make([]r3.Vector, n)
	for i, p := range c.Points {
		pts[i] = p.Vector()
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Z < pts[j].Z })

	var lpr float64
	for _, p := range pts[:e.params.NumSeedPoints] {
		lpr += p.Z
	}
	lpr /= float64(e.params.NumSeedPoints)

	// pts is sorted, so the seed band is a prefix.
	limit := lpr + e.params.SeedHeightThreshold
	cut := sort.Search(n, func(i int) bool { return pts[i].Z > limit })
	seeds := pts[:cut]

	var plane Plane
	for iter := 0; iter < e.params.NumIterations; iter++ {
		var err error
		plane, err = fitPlane(seeds)
		if err != nil {
			return Plane{}, err
		}

		inliers := make([]r3.Vector, 0, len(seeds))
		for _, p := range pts {
			if math.Abs(plane.Distance(p)) <= e.params.DistanceThreshold {
				inliers = append(inliers, p)
			}
		}
		plane.Inliers = len(inliers)
		if len(inliers) < 3 {
			break
		}
		seeds = inliers
	}
	return plane, nil
}

// fitPlane fits a plane through pts by PCA: the normal is the eigenvector of the
// covariance with the smallest eigenvalue, oriented so that Normal.Z >= 0.
func fitPlane(pts []r3.Vector) (Plane, error) {
	var centroid r3.Vector
	for _, p := range pts {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(pts)))

	var xx, xy, xz, yy, yz, zz float64
	for _, p := range pts {
		d := p.Sub(centroid)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	scale := 1 / float64(len(pts))
	cov := mat.NewSymDense(3, []float64{
		xx * scale, xy * scale, xz * scale,
		xy * scale, yy * scale, yz * scale,
		xz * scale, yz * scale, zz * scale,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return Plane{}, ErrFitFailed
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	minIdx := 0
	for i := 1; i < 3; i++ {
		if values[i] < values[minIdx] {
			minIdx = i
		}
	}
	normal := r3.Vector{X: vectors.At(0, minIdx), Y: vectors.At(1, minIdx), Z: vectors.At(2, minIdx)}
	if norm := normal.Norm(); norm > 0 {
		normal = normal.Mul(1 / norm)
	}
	if normal.Z < 0 {
		normal = normal.Mul(-1)
	}

	sorted := [3]float64{values[0], values[1], values[2]}
	sort.Float64s(sorted[:])
	return Plane{
		Normal:      normal,
		D:           -normal.Dot(centroid),
		Centroid:    centroid,
		Eigenvalues: sorted,
	}, nil
}
