// Package testutil provides shared point cloud fixtures for tests.
package testutil

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
)

// GroundCloud returns n points scattered over a 20 m square of flat ground at
// height z with 1 cm of vertical noise, mapped through t. Pass a rotation as t
// to simulate a tilted mount.
func GroundCloud(rng *rand.Rand, topic string, n int, z float64, t geom.Transform) *cloud.Cloud {
	c := &cloud.Cloud{Topic: topic}
	for i := 0; i < n; i++ {
		p := t.Apply(r3.Vector{X: rng.Float64()*20 - 10, Y: rng.Float64()*20 - 10, Z: z + rng.NormFloat64()*0.01})
		c.Points = append(c.Points, cloud.Point{X: p.X, Y: p.Y, Z: p.Z})
	}
	return c
}

// LineCloud returns n points along the X axis at height z.
func LineCloud(n int, z float64) *cloud.Cloud {
	c := &cloud.Cloud{}
	for i := 0; i < n; i++ {
		c.Points = append(c.Points, cloud.Point{X: float64(i), Y: 1, Z: z})
	}
	return c
}

// WritePCD writes c to path on fsys as binary PCD, creating parent directories.
func WritePCD(t *testing.T, fsys fsutil.FileSystem, path string, c *cloud.Cloud) {
	t.Helper()
	var buf bytes.Buffer
	if err := cloud.WritePCD(&buf, c, cloud.PCDBinary); err != nil {
		t.Fatalf("encoding PCD: %v", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
