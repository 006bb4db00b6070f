package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/config"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
	"github.com/banshee-data/lidar-extrinsics/internal/transport"
)

type fakeController struct {
	mu       sync.Mutex
	commands []calibration.Command
	status   calibration.Status
	err      error
	subs     []chan calibration.Status
}

func newFakeController() *fakeController {
	return &fakeController{status: calibration.Status{
		Mode:        calibration.Interactive,
		Phase:       calibration.Adjusting,
		ActiveTopic: "/a",
		Reference:   "/ref",
		Sensors: []calibration.SensorStatus{
			{Topic: "/ref", Reference: true, HasData: true, Points: 10},
			{Topic: "/a", HasData: true, Points: 12, Params: registry.ManualParams{X: 1.5}},
		},
	}}
}

func (f *fakeController) Submit(_ context.Context, cmd calibration.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeController) Status() calibration.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Subscribe() (<-chan calibration.Status, func()) {
	ch := make(chan calibration.Status, 1)
	ch <- f.Status()
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

// endSession closes every subscription, as Run does when it returns.
func (f *fakeController) endSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

func (f *fakeController) received() []calibration.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calibration.Command(nil), f.commands...)
}

func newTestServer(t *testing.T, ctrl Controller, clouds CloudSource, plotDir string) *WebServer {
	t.Helper()
	return NewWebServer(WebServerConfig{
		Address:    "127.0.0.1:0",
		Controller: ctrl,
		Clouds:     clouds,
		PlotDir:    plotDir,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	ws := newTestServer(t, newFakeController(), nil, "")
	h := ws.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, h, http.MethodGet, "/api/calibration/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "interactive", st.Mode)
	assert.Equal(t, "adjusting", st.Phase)
	assert.Equal(t, "/a", st.ActiveTopic)
	require.Len(t, st.Sensors, 2)
	assert.Equal(t, 1.5, st.Sensors[1].Params.X)

	rec = do(t, h, http.MethodPost, "/api/calibration/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ref (reference)")

	rec = do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommandEndpoints(t *testing.T) {
	ctrl := newFakeController()
	h := newTestServer(t, ctrl, nil, "").Handler()

	cases := []struct {
		name string
		path string
		body string
		want calibration.Command
	}{
		{"params", "/api/calibration/params", `{"topic":"/a","x":1,"y":2,"z":3,"roll":0.1,"pitch":0.2,"yaw":0.3}`,
			calibration.AdjustParameters{Topic: "/a", Params: registry.ManualParams{X: 1, Y: 2, Z: 3, Roll: 0.1, Pitch: 0.2, Yaw: 0.3}}},
		{"params save", "/api/calibration/params", `{"topic":"save"}`, calibration.TriggerSave{}},
		{"param", "/api/calibration/param", `{"topic":"/a","field":"Yaw","value":0}`,
			calibration.AdjustParameter{Topic: "/a", Field: calibration.FieldYaw, Value: 0}},
		{"topic", "/api/calibration/topic", `{"topic":"/b"}`, calibration.SelectTopic{Topic: "/b"}},
		{"save", "/api/calibration/save", ``, calibration.TriggerSave{}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tc.path, tc.body)
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			got := ctrl.received()
			require.Len(t, got, i+1)
			assert.Equal(t, tc.want, got[i])
		})
	}
}

func TestCommandValidation(t *testing.T) {
	ctrl := newFakeController()
	h := newTestServer(t, ctrl, nil, "").Handler()

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed", "/api/calibration/params", `{"topic":`, http.StatusBadRequest},
		{"no topic", "/api/calibration/params", `{"x":1}`, http.StatusBadRequest},
		{"bad field", "/api/calibration/param", `{"topic":"/a","field":"scale","value":1}`, http.StatusBadRequest},
		{"no value", "/api/calibration/param", `{"topic":"/a","field":"x"}`, http.StatusBadRequest},
		{"empty topic", "/api/calibration/topic", `{}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
	assert.Empty(t, ctrl.received())

	rec := do(t, h, http.MethodGet, "/api/calibration/save", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	ctrl.err = calibration.ErrStopped
	rec = do(t, h, http.MethodPost, "/api/calibration/save", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTuningEndpoint(t *testing.T) {
	iters := 5
	ws := NewWebServer(WebServerConfig{
		Controller: newFakeController(),
		Tuning:     &config.TuningConfig{NumIterations: &iters},
	})
	rec := do(t, ws.Handler(), http.MethodGet, "/api/calibration/tuning", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"num_iterations":5}`, rec.Body.String())
}

func TestCloudChart(t *testing.T) {
	latest := transport.NewLatest()
	h := newTestServer(t, newFakeController(), latest, "").Handler()

	rec := do(t, h, http.MethodGet, "/debug/calibration/cloud", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c := &cloud.Cloud{Topic: "/a/calibrated", FrameID: "base_link"}
	for i := 0; i < 300; i++ {
		c.Points = append(c.Points, cloud.Point{X: float64(i) * 0.1, Y: 1, Z: -1.6})
	}
	require.NoError(t, latest.Publish(c.Topic, c))

	rec = do(t, h, http.MethodGet, "/debug/calibration/cloud?topic=/a&view=side&max_points=200", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Calibrated Clouds")

	disabled := newTestServer(t, newFakeController(), nil, "").Handler()
	rec = do(t, disabled, http.MethodGet, "/debug/calibration/cloud", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlotFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lidar_front_ground.png"), []byte("\x89PNG"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.png"), []byte("x"), 0o644))
	h := newTestServer(t, newFakeController(), nil, dir).Handler()

	rec := do(t, h, http.MethodGet, "/debug/calibration/plots/lidar_front_ground.png", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\x89PNG", rec.Body.String())

	_, err := plotPath(dir, "../secret.png")
	assert.Error(t, err)
	_, err = plotPath(dir, "status.json")
	assert.Error(t, err)

	disabled := newTestServer(t, newFakeController(), nil, "").Handler()
	rec = do(t, disabled, http.MethodGet, "/debug/calibration/plots/x.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketStreamsStatusAndAcceptsCommands(t *testing.T) {
	ctrl := newFakeController()
	srv := httptest.NewServer(newTestServer(t, ctrl, nil, "").Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/calibration/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var st StatusView
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, "/a", st.ActiveTopic)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "param", "topic": "/a", "field": "z", "value": 0.25}))
	require.Eventually(t, func() bool { return len(ctrl.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, calibration.AdjustParameter{Topic: "/a", Field: calibration.FieldZ, Value: 0.25}, ctrl.received()[0])
}

func TestWebsocketClosesWhenSessionEnds(t *testing.T) {
	ctrl := newFakeController()
	srv := httptest.NewServer(newTestServer(t, ctrl, nil, "").Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/calibration/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var st StatusView
	require.NoError(t, conn.ReadJSON(&st))

	ctrl.endSession()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStartStopsOnCancel(t *testing.T) {
	ws := newTestServer(t, newFakeController(), nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}
