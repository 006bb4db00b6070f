// Package cloud holds the point-cloud frames exchanged between the transport,
// the sensor registry and the ground-plane estimator.
package cloud

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-extrinsics/internal/geom"
)

// Point is a single return in a sensor or calibrated frame.
type Point struct {
	X, Y, Z   float64 // metres
	Intensity float32
}

// Vector returns the point position.
func (p Point) Vector() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// Cloud is one frame from one sensor topic. Frames are replaced wholesale on
// ingest and never mutated after being handed to the registry.
type Cloud struct {
	Topic   string
	FrameID string
	Stamp   time.Time
	Points  []Point
}

// Len returns the number of points, treating a nil cloud as empty.
func (c *Cloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Transformed returns a new cloud with every point mapped through t. The input is
// left untouched.
func (c *Cloud) Transformed(t geom.Transform, frameID string) *Cloud {
	if c == nil {
		return nil
	}
	out := &Cloud{
		Topic:   c.Topic,
		FrameID: frameID,
		Stamp:   c.Stamp,
		Points:  make([]Point, len(c.Points)),
	}
	for i, p := range c.Points {
		v := t.Apply(p.Vector())
		out.Points[i] = Point{X: v.X, Y: v.Y, Z: v.Z, Intensity: p.Intensity}
	}
	return out
}

// Clone returns a deep copy.
func (c *Cloud) Clone() *Cloud {
	if c == nil {
		return nil
	}
	out := *c
	out.Points = append([]Point(nil), c.Points...)
	return &out
}

// Bounds returns the axis-aligned bounding box of the cloud. ok is false for an
// empty cloud.
func (c *Cloud) Bounds() (min, max r3.Vector, ok bool) {
	if c.Len() == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	min = c.Points[0].Vector()
	max = min
	for _, p := range c.Points[1:] {
		if p.X < min.X {
			min.X = p.X
		}
		if p.Y < min.Y {
			min.Y = p.Y
		}
		if p.Z < min.Z {
			min.Z = p.Z
		}
		if p.X > max.X {
			max.X = p.X
		}
		if p.Y > max.Y {
			max.Y = p.Y
		}
		if p.Z > max.Z {
			max.Z = p.Z
		}
	}
	return min, max, true
}
