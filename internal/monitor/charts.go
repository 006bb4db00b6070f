package monitor

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lidar-extrinsics/internal/httputil"
	"github.com/banshee-data/lidar-extrinsics/internal/security"
	"github.com/banshee-data/lidar-extrinsics/internal/transport"
)

const (
	echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"
	defaultMaxPoints    = 8000
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// handleCloudChart renders the latest calibrated clouds as an HTML scatter using
// go-echarts. This is a debugging-only endpoint for checking alignment by eye.
// Query params:
//   - topic (optional; raw or output topic, repeatable; defaults to all)
//   - view (optional; "side" plots X against Z, "top" (default) plots X against Y)
//   - max_points (optional; default 8000 per topic)
func (ws *WebServer) handleCloudChart(w http.ResponseWriter, r *http.Request) {
	if ws.clouds == nil {
		httputil.NotFound(w, "cloud view is disabled")
		return
	}
	q := r.URL.Query()

	maxPoints := defaultMaxPoints
	if mp := q.Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}
	side := q.Get("view") == "side"

	topics := q["topic"]
	if len(topics) == 0 {
		topics = ws.clouds.Topics()
	}

	scatter := charts.NewScatter()
	yName := "Y (m)"
	if side {
		yName = "Z (m)"
	}
	var total int
	maxAbs := 0.0
	for _, topic := range topics {
		if !strings.HasSuffix(topic, transport.OutputSuffix) {
			topic = transport.OutputTopic(topic)
		}
		c, ok := ws.clouds.Get(topic)
		if !ok || c.Len() == 0 {
			continue
		}
		stride := 1
		if c.Len() > maxPoints {
			stride = int(math.Ceil(float64(c.Len()) / float64(maxPoints)))
		}
		data := make([]opts.ScatterData, 0, c.Len()/stride+1)
		for i := 0; i < c.Len(); i += stride {
			p := c.Points[i]
			v := p.Y
			if side {
				v = p.Z
			}
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(v)))
			data = append(data, opts.ScatterData{Value: []interface{}{p.X, v}})
		}
		total += len(data)
		scatter.AddSeries(topic, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	}
	if total == 0 {
		httputil.NotFound(w, "no calibrated clouds available")
		return
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibrated Clouds", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Calibrated Clouds", Subtitle: fmt.Sprintf("topics=%d points=%d", len(topics), total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: yName, NameLocation: "middle", NameGap: 30}),
	)

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// plotPath resolves name inside dir, rejecting anything that escapes it.
func plotPath(dir, name string) (string, error) {
	if name == "" || filepath.Ext(name) != ".png" {
		return "", fmt.Errorf("invalid plot name %q", name)
	}
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
