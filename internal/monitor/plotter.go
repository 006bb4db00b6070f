package monitor

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/ground"
	"github.com/banshee-data/lidar-extrinsics/internal/security"
)

// maxPlotPoints bounds the scatter size of a ground plot.
const maxPlotPoints = 20000

// GroundPlotter writes a side view of each cloud with its fitted ground plane,
// so a bad fit (walls, vehicles, a sloped verge) is obvious after a run.
type GroundPlotter struct {
	outputDir string
	threshold float64
}

// NewGroundPlotter returns a plotter writing PNGs into outputDir. Points within
// threshold of the plane are drawn as inliers.
func NewGroundPlotter(outputDir string, threshold float64) *GroundPlotter {
	return &GroundPlotter{outputDir: outputDir, threshold: threshold}
}

// PlotName returns the file name used for topic.
func PlotName(topic string) string {
	return security.TopicFileStem(topic) + "_ground.png"
}

// PlotGround renders c in its sensor frame as X against Z, colouring plane
// inliers, with the plane's trace through the inlier centroid.
func (gp *GroundPlotter) PlotGround(topic string, c *cloud.Cloud, plane ground.Plane) (string, error) {
	if c.Len() == 0 {
		return "", fmt.Errorf("%s: empty cloud", topic)
	}
	if err := os.MkdirAll(gp.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create plot dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Ground Plane (tilt %.2f°, %d inliers)", topic, plane.TiltDegrees(), plane.Inliers)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"

	stride := 1
	if c.Len() > maxPlotPoints {
		stride = int(math.Ceil(float64(c.Len()) / float64(maxPlotPoints)))
	}
	inliers := make(plotter.XYs, 0, c.Len()/stride+1)
	others := make(plotter.XYs, 0, c.Len()/stride+1)
	minX, maxX := math.Inf(1), math.Inf(-1)
	for i := 0; i < c.Len(); i += stride {
		pt := c.Points[i]
		xy := plotter.XY{X: pt.X, Y: pt.Z}
		if math.Abs(plane.Distance(pt.Vector())) <= gp.threshold {
			inliers = append(inliers, xy)
		} else {
			others = append(others, xy)
		}
		minX = math.Min(minX, pt.X)
		maxX = math.Max(maxX, pt.X)
	}

	if len(others) > 0 {
		s, err := plotter.NewScatter(others)
		if err != nil {
			return "", fmt.Errorf("other points: %w", err)
		}
		s.GlyphStyle.Color = color.RGBA{R: 150, G: 150, B: 150, A: 255}
		s.GlyphStyle.Radius = vg.Points(0.5)
		p.Add(s)
		p.Legend.Add("non-ground", s)
	}
	if len(inliers) > 0 {
		s, err := plotter.NewScatter(inliers)
		if err != nil {
			return "", fmt.Errorf("inlier points: %w", err)
		}
		s.GlyphStyle.Color = color.RGBA{R: 38, G: 130, B: 142, A: 255}
		s.GlyphStyle.Radius = vg.Points(0.5)
		p.Add(s)
		p.Legend.Add("ground", s)
	}

	// Plane trace in the y = centroid.y slice.
	if n := plane.Normal; math.Abs(n.Z) > 1e-9 {
		z := func(x float64) float64 { return -(n.X*x + n.Y*plane.Centroid.Y + plane.D) / n.Z }
		line, err := plotter.NewLine(plotter.XYs{{X: minX, Y: z(minX)}, {X: maxX, Y: z(maxX)}})
		if err != nil {
			return "", fmt.Errorf("plane line: %w", err)
		}
		line.Width = vg.Points(1.5)
		line.Color = color.RGBA{R: 253, G: 231, B: 37, A: 255}
		p.Add(line)
		p.Legend.Add("fitted plane", line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	file := filepath.Join(gp.outputDir, PlotName(topic))
	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return "", fmt.Errorf("save ground plot: %w", err)
	}
	return file, nil
}
