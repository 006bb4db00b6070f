package cloud

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-extrinsics/internal/geom"
)

func sampleCloud() *Cloud {
	return &Cloud{
		Topic: "/lidar/front",
		Points: []Point{
			{X: 1, Y: 2, Z: 3, Intensity: 10},
			{X: -1.5, Y: 0.25, Z: -0.125, Intensity: 200},
			{X: 0, Y: 0, Z: 0},
		},
	}
}

func TestWriteReadPCD(t *testing.T) {
	for _, data := range []PCDType{PCDAscii, PCDBinary} {
		var buf bytes.Buffer
		require.NoError(t, WritePCD(&buf, sampleCloud(), data))

		got, err := ReadPCD(&buf)
		require.NoError(t, err)
		require.Len(t, got.Points, 3)
		for i, p := range sampleCloud().Points {
			assert.InDelta(t, p.X, got.Points[i].X, 1e-6)
			assert.InDelta(t, p.Y, got.Points[i].Y, 1e-6)
			assert.InDelta(t, p.Z, got.Points[i].Z, 1e-6)
			assert.InDelta(t, p.Intensity, got.Points[i].Intensity, 1e-6)
		}
	}
}

func TestReadPCDAsciiExtraFields(t *testing.T) {
	src := `# written by pcl
VERSION .7
FIELDS x y z rgb
SIZE 4 4 4 4
TYPE F F F U
COUNT 1 1 1 1
WIDTH 2
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 2
DATA ascii
0.5 1.5 -2 4278190080
3 4 5 0
`
	c, err := ReadPCD(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, c.Points, 2)
	assert.Equal(t, Point{X: 0.5, Y: 1.5, Z: -2}, c.Points[0])
	assert.Equal(t, Point{X: 3, Y: 4, Z: 5}, c.Points[1])
}

func TestReadPCDBinaryDoubles(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("VERSION 0.7\nFIELDS x y z\nSIZE 8 8 8\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary\n")
	for _, v := range []float64{1.25, -2.5, 3.75} {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(math.Float64bits(v) >> (8 * i))
		}
		buf.Write(b[:])
	}
	c, err := ReadPCD(&buf)
	require.NoError(t, err)
	assert.Equal(t, []Point{{X: 1.25, Y: -2.5, Z: 3.75}}, c.Points)
}

func TestReadPCDErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing xyz", "FIELDS a b c\nWIDTH 0\nHEIGHT 1\nPOINTS 0\nDATA ascii\n"},
		{"compressed", "FIELDS x y z\nWIDTH 0\nHEIGHT 1\nPOINTS 0\nDATA binary_compressed\n"},
		{"truncated header", "FIELDS x y z\nWIDTH 1\n"},
		{"short ascii row", "FIELDS x y z\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA ascii\n1 2\n"},
		{"short binary row", "FIELDS x y z\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary\n\x00\x00"},
		{"mismatched size", "FIELDS x y z\nSIZE 4 4\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA ascii\n1 2 3\n"},
		{"negative points", "FIELDS x y z\nWIDTH 1\nHEIGHT 1\nPOINTS -1\nDATA binary\n"},
		{"negative width", "FIELDS x y z\nWIDTH -3\nHEIGHT 1\nDATA ascii\n"},
		{"negative height", "FIELDS x y z\nWIDTH 3\nHEIGHT -1\nDATA ascii\n"},
		{"zero count binary", "FIELDS x y z\nCOUNT 0 0 0\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary\n\x00\x00\x00\x00"},
		{"zero count ascii", "FIELDS x y z\nCOUNT 0 0 0\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA ascii\n1 2 3\n"},
		{"zero size", "FIELDS x y z\nSIZE 0 4 4\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary\n"},
		{"huge count", "FIELDS x y z\nCOUNT 1 1 100000000\nWIDTH 1\nHEIGHT 1\nPOINTS 1\nDATA binary\n"},
		{"huge points short data", "FIELDS x y z\nWIDTH 1\nHEIGHT 1\nPOINTS 2000000000\nDATA binary\n\x00\x00"},
		{"overflowing dimensions", "FIELDS x y z\nWIDTH 4000000000\nHEIGHT 4000000000\nDATA binary\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = ReadPCD(strings.NewReader(tt.src)) })
			assert.Error(t, err)
		})
	}
}

func TestTransformed(t *testing.T) {
	c := sampleCloud()
	T := geom.FromEuler(r3.Vector{X: 1}, geom.Euler{Yaw: math.Pi / 2})
	out := c.Transformed(T, "base_link")

	require.Len(t, out.Points, 3)
	assert.Equal(t, "base_link", out.FrameID)
	// (1,2,3) rotated 90 degrees about Z is (-2,1,3), then shifted by +1 in X.
	assert.InDelta(t, -1, out.Points[0].X, 1e-12)
	assert.InDelta(t, 1, out.Points[0].Y, 1e-12)
	assert.InDelta(t, 3, out.Points[0].Z, 1e-12)
	assert.Equal(t, float32(10), out.Points[0].Intensity)
	// Input untouched.
	assert.Equal(t, 1.0, c.Points[0].X)

	var nilCloud *Cloud
	assert.Nil(t, nilCloud.Transformed(T, "x"))
	assert.Equal(t, 0, nilCloud.Len())
}

func TestBoundsAndClone(t *testing.T) {
	c := sampleCloud()
	min, max, ok := c.Bounds()
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: -1.5, Y: 0, Z: -0.125}, min)
	assert.Equal(t, r3.Vector{X: 1, Y: 2, Z: 3}, max)

	cp := c.Clone()
	cp.Points[0].X = 99
	assert.Equal(t, 1.0, c.Points[0].X)

	_, _, ok = (&Cloud{}).Bounds()
	assert.False(t, ok)
}
