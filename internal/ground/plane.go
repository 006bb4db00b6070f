// Package ground fits ground planes to sensor clouds and derives the rigid
// transform that aligns one sensor's ground plane with the reference sensor's.
package ground

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
)

// Plane is the set {p : Normal·p + D = 0} with a unit Normal.
type Plane struct {
	Normal r3.Vector `json:"normal"`
	D      float64   `json:"d"`

	// Centroid of the final inlier set.
	Centroid r3.Vector `json:"centroid"`
	// Eigenvalues of the final inlier covariance, ascending. The first belongs to
	// Normal.
	Eigenvalues [3]float64 `json:"eigenvalues"`
	// Inliers is the size of the final inlier set.
	Inliers int `json:"inliers"`
}

// Distance returns the signed distance from p to the plane.
func (p Plane) Distance(v r3.Vector) float64 {
	return p.Normal.Dot(v) + p.D
}

// Conditioning returns the ratio of the middle to the largest eigenvalue. Points
// spread over a surface give a value well above zero; collinear or coincident
// points give a value near zero and an unreliable normal.
func (p Plane) Conditioning() float64 {
	if p.Eigenvalues[2] <= 0 {
		return 0
	}
	return p.Eigenvalues[1] / p.Eigenvalues[2]
}

// TiltDegrees returns the angle between the normal and the sensor's +Z axis.
func (p Plane) TiltDegrees() float64 {
	c := math.Max(-1, math.Min(1, p.Normal.Normalize().Z))
	return math.Acos(c) * 180 / math.Pi
}

// CountInliers returns how many points of c lie within threshold of the plane.
func (p Plane) CountInliers(c *cloud.Cloud, threshold float64) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, pt := range c.Points {
		if math.Abs(p.Distance(pt.Vector())) <= threshold {
			n++
		}
	}
	return n
}
