package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-extrinsics/internal/config"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
	"github.com/banshee-data/lidar-extrinsics/internal/history"
	"github.com/banshee-data/lidar-extrinsics/internal/monitor"
	"github.com/banshee-data/lidar-extrinsics/internal/testutil"
	"github.com/banshee-data/lidar-extrinsics/internal/transport"
)

const rigTable = `# test rig
/lidar/ref:
  is_main: true
  load_from_file: false
  transform:
    translation: [0, 0, 0]
    rotation: [1, 0, 0, 0]
/lidar/aux:
  is_main: false
  load_from_file: false
  transform:
    translation: [1, 0, 0]
    rotation: [1, 0, 0, 0]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunAutomaticSession(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "rig.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(rigTable), 0o644))
	tuningPath := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(tuningPath, []byte(`{"tick_interval":"10ms","poll_timeout":"5ms"}`), 0o644))

	rng := rand.New(rand.NewSource(11))
	replay := filepath.Join(dir, "replay")
	fsys := fsutil.OSFileSystem{}
	tilt := geom.FromEuler(r3.Vector{}, geom.Euler{Roll: 5 * math.Pi / 180})
	testutil.WritePCD(t, fsys, filepath.Join(replay, "lidar", "ref", "000.pcd"), testutil.GroundCloud(rng, "", 1500, -1.6, geom.Identity()))
	testutil.WritePCD(t, fsys, filepath.Join(replay, "lidar", "aux", "000.pcd"), testutil.GroundCloud(rng, "", 1500, -1.6, tilt))

	opts := runOptions{
		configPath: configPath,
		tuningPath: tuningPath,
		dbPath:     filepath.Join(dir, "calib.db"),
		plotDir:    filepath.Join(dir, "plots"),
		outputDir:  filepath.Join(dir, "out"),
		replayDir:  replay,
		logDiag:    filepath.Join(dir, "diag.log"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, runSession(ctx, opts))

	saved, err := filepath.Glob(configPath + "_*")
	require.NoError(t, err)
	require.Len(t, saved, 1)

	table, err := config.Load(fsys, saved[0])
	require.NoError(t, err)
	require.Len(t, table.Sensors, 2)
	assert.Equal(t, "/lidar/ref", table.Sensors[0].Topic)
	aux, err := table.Sensors[1].Transform.Transform()
	require.NoError(t, err)
	assert.InDelta(t, -5*math.Pi/180, aux.Euler().Roll, 0.01)
	assert.InDelta(t, 1.0, aux.Translation().X, 0.01)

	// The loaded table is never overwritten.
	orig, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, rigTable, string(orig))

	store, err := history.Open(opts.dbPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, saved[0], runs[0].ArtifactPath)

	assert.FileExists(t, filepath.Join(opts.plotDir, monitor.PlotName("/lidar/aux")))
	assert.FileExists(t, filepath.Join(opts.plotDir, monitor.PlotName("/lidar/ref")))
	sink := transport.NewPCDSink(fsys, nil, opts.outputDir, 0)
	assert.FileExists(t, sink.Path(transport.OutputTopic("/lidar/aux")))

	diag, err := os.ReadFile(opts.logDiag)
	require.NoError(t, err)
	assert.Contains(t, string(diag), "after calibration")
}

func TestRunManualSessionStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "rig.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(rigTable), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runSession(ctx, runOptions{configPath: configPath, manual: true, watchPath: filepath.Join(dir, "params.json")})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manual session did not stop")
	}
	saved, _ := filepath.Glob(configPath + "_*")
	assert.Empty(t, saved)
}

func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run", "--config", filepath.Join(dir, "missing.yaml"), "--listen", "")
	assert.Error(t, err)

	twoRefs := strings.ReplaceAll(rigTable, "is_main: false", "is_main: true")
	path := filepath.Join(dir, "rig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoRefs), 0o644))
	_, err = execute(t, "run", "--config", path, "--listen", "")
	assert.Error(t, err)

	_, err = execute(t, "run")
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rig.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rigTable), 0o644))

	out, err := execute(t, "inspect", "--config", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "QUATERNION")
	assert.Contains(t, lines[1], "/lidar/ref")
	assert.Contains(t, lines[1], "reference")
	assert.Contains(t, lines[2], "/lidar/aux")
	assert.Contains(t, lines[2], "1.000")
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "calib.db")
	out, err := execute(t, "history", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no calibration runs recorded")

	_, err = execute(t, "history", "--db", dbPath, "--run-id", "nope")
	assert.ErrorIs(t, err, history.ErrRunNotFound)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "lidar-calib dev"))
}

type apiCall struct {
	path string
	body map[string]interface{}
}

func fakeAPI(t *testing.T) (*[]apiCall, *sync.Mutex) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []apiCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/calibration/status" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"mode":"interactive","phase":"adjusting","active_topic":"/lidar/aux",
				"reference":"/lidar/ref","ticks":42,"last_save_path":"/cfg/rig.yaml_20260301T120000Z",
				"sensors":[{"topic":"/lidar/ref","reference":true,"has_data":true,"points":1500,"params":{}},
				{"topic":"/lidar/aux","has_data":true,"points":1400,"params":{"x":1,"y":0,"z":0,"roll":0,"pitch":0,"yaw":0}}]}`)
			return
		}
		body := map[string]interface{}{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, apiCall{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"status":"accepted"}`)
	}))
	t.Cleanup(srv.Close)

	prev := remoteClient
	remoteClient = func(string) *monitor.Client { return monitor.NewClient(nil, srv.URL) }
	t.Cleanup(func() { remoteClient = prev })
	return &calls, &mu
}

func TestRemoteCommands(t *testing.T) {
	calls, mu := fakeAPI(t)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "mode=interactive phase=adjusting active=/lidar/aux")
	assert.Contains(t, out, "last save: /cfg/rig.yaml_20260301T120000Z")
	assert.Contains(t, out, "/lidar/ref (reference)")
	assert.Contains(t, out, "ROLL(deg)")

	out, err = execute(t, "status", "--units", "rad")
	require.NoError(t, err)
	assert.Contains(t, out, "YAW(rad)")
	_, err = execute(t, "status", "--units", "grad")
	assert.Error(t, err)

	out, err = execute(t, "status", "--json")
	require.NoError(t, err)
	var st monitor.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, uint64(42), st.Ticks)

	_, err = execute(t, "select", "/lidar/aux")
	require.NoError(t, err)
	_, err = execute(t, "set", "/lidar/aux", "Yaw", "0.25")
	require.NoError(t, err)
	_, err = execute(t, "set", "/lidar/aux", "-1", "2", "0.5", "0", "0", "1.57")
	require.NoError(t, err)
	_, err = execute(t, "set", "--units", "deg", "/lidar/aux", "pitch", "-2")
	require.NoError(t, err)
	_, err = execute(t, "save")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *calls, 5)
	got := *calls
	assert.Equal(t, "/api/calibration/topic", got[0].path)
	assert.Equal(t, "/lidar/aux", got[0].body["topic"])
	assert.Equal(t, "/api/calibration/param", got[1].path)
	assert.Equal(t, "yaw", got[1].body["field"])
	assert.Equal(t, 0.25, got[1].body["value"])
	assert.Equal(t, "/api/calibration/params", got[2].path)
	assert.Equal(t, 1.57, got[2].body["yaw"])
	assert.Equal(t, 2.0, got[2].body["y"])
	assert.Equal(t, -1.0, got[2].body["x"])
	assert.Equal(t, "pitch", got[3].body["field"])
	assert.InDelta(t, -2*math.Pi/180, got[3].body["value"], 1e-12)
	assert.Equal(t, "/api/calibration/save", got[4].path)
}

func TestSetValidatesArgs(t *testing.T) {
	calls, mu := fakeAPI(t)

	_, err := execute(t, "set", "/lidar/aux", "x")
	assert.Error(t, err)
	_, err = execute(t, "set", "/lidar/aux", "heading", "1")
	assert.Error(t, err)
	_, err = execute(t, "set", "/lidar/aux", "x", "abc")
	assert.Error(t, err)
	_, err = execute(t, "set", "--units", "grad", "/lidar/aux", "yaw", "1")
	assert.Error(t, err)
	// Flags after the topic are positionals, so this is 5 args.
	_, err = execute(t, "set", "/lidar/aux", "yaw", "1", "--units", "deg")
	assert.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *calls)
}
