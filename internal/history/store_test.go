package history

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
	"github.com/banshee-data/lidar-extrinsics/internal/ground"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "calib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(at time.Time) calibration.SaveRecord {
	return calibration.SaveRecord{
		Mode: calibration.Automatic,
		Path: "/cfg/rig.yaml_20260301T120000Z",
		At:   at,
		Sensors: []calibration.SavedSensor{
			{Topic: "/ref", Reference: true, Transform: geom.Identity()},
			{
				Topic:     "/aux",
				Transform: geom.FromEuler(r3.Vector{X: 1, Y: -0.5, Z: 0.2}, geom.Euler{Roll: 0.05, Yaw: math.Pi / 2}),
				Plane:     &ground.Plane{Normal: r3.Vector{Z: 1}, D: 1.6, Inliers: 812},
			},
		},
	}
}

func TestOpenMigratesToLatest(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var journal string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	// Reopening an existing database is a no-op migration.
	path := s.path
	require.NoError(t, s.Close())
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	version, _, err = s2.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestInsertAndReadRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.Insert(ctx, sampleRecord(at))
	require.NoError(t, err)

	got, err := s.Run(ctx, id)
	require.NoError(t, err)

	want := Run{
		RunID:        id,
		Mode:         "automatic",
		ArtifactPath: "/cfg/rig.yaml_20260301T120000Z",
		SavedAt:      at,
		SensorCount:  2,
		Sensors: []SensorRow{
			{
				Topic:       "/aux",
				Translation: [3]float64{1, -0.5, 0.2},
				Rotation:    geom.QuaternionFromEuler(geom.Euler{Roll: 0.05, Yaw: math.Pi / 2}).Canonical().WXYZ(),
				Euler:       [3]float64{0.05, 0, math.Pi / 2},
				Plane:       &PlaneRow{Normal: [3]float64{0, 0, 1}, D: 1.6, Inliers: 812},
			},
			{Topic: "/ref", Reference: true, Rotation: [4]float64{1, 0, 0, 0}},
		},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Run(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := sampleRecord(base.Add(time.Duration(i) * time.Minute))
		rec.Mode = calibration.Interactive
		require.NoError(t, s.RecordSave(ctx, rec))
		runs, err := s.Runs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		ids = append(ids, runs[0].RunID)
	}

	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})
	assert.Equal(t, "interactive", runs[0].Mode)
	assert.Empty(t, runs[0].Sensors)
}

func TestHistoryHandler(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, sampleRecord(time.Now()))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/debug/history?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].RunID)

	rec = httptest.NewRecorder()
	s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/debug/history?run_id="+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Len(t, run.Sensors, 2)

	rec = httptest.NewRecorder()
	s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/debug/history?run_id=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttachAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	mux := http.NewServeMux()
	assert.NotPanics(t, func() { s.AttachAdminRoutes(mux) })
}
