// Package history keeps a sqlite record of every saved transform table, so a
// rig's calibration can be traced and compared across sessions.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned by Run for an unknown run ID.
var ErrRunNotFound = errors.New("calibration run not found")

// Store is the calibration history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// MigrateUp applies every pending migration.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag. A database with no
// migrations applied reports 0, false.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Run is one recorded save.
type Run struct {
	RunID        string      `json:"run_id"`
	Mode         string      `json:"mode"`
	ArtifactPath string      `json:"artifact_path"`
	SavedAt      time.Time   `json:"saved_at"`
	SensorCount  int         `json:"sensor_count"`
	Sensors      []SensorRow `json:"sensors,omitempty"`
}

// SensorRow is one topic's transform in a recorded save.
type SensorRow struct {
	Topic       string     `json:"topic"`
	Reference   bool       `json:"reference"`
	Translation [3]float64 `json:"translation"`
	Rotation    [4]float64 `json:"rotation"` // w, x, y, z
	Euler       [3]float64 `json:"rotation_euler"`
	Plane       *PlaneRow  `json:"plane,omitempty"`
}

// PlaneRow is the ground plane fitted before a save, when there was one.
type PlaneRow struct {
	Normal  [3]float64 `json:"normal"`
	D       float64    `json:"d"`
	Inliers int        `json:"inliers"`
}

// RecordSave stores rec under a new run ID. It implements calibration.Recorder.
func (s *Store) RecordSave(ctx context.Context, rec calibration.SaveRecord) error {
	_, err := s.Insert(ctx, rec)
	return err
}

// Insert stores rec and returns its run ID.
func (s *Store) Insert(ctx context.Context, rec calibration.SaveRecord) (string, error) {
	runID := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO calibration_runs (run_id, mode, artifact_path, saved_at_ns, sensor_count) VALUES (?, ?, ?, ?, ?)`,
		runID, rec.Mode.String(), rec.Path, rec.At.UnixNano(), len(rec.Sensors))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for _, sen := range rec.Sensors {
		tr, q := sen.Transform.TranslationQuaternion()
		e := sen.Transform.Euler()
		wxyz := q.WXYZ()
		var nx, ny, nz, d sql.NullFloat64
		var inliers sql.NullInt64
		if sen.Plane != nil {
			nx = sql.NullFloat64{Float64: sen.Plane.Normal.X, Valid: true}
			ny = sql.NullFloat64{Float64: sen.Plane.Normal.Y, Valid: true}
			nz = sql.NullFloat64{Float64: sen.Plane.Normal.Z, Valid: true}
			d = sql.NullFloat64{Float64: sen.Plane.D, Valid: true}
			inliers = sql.NullInt64{Int64: int64(sen.Plane.Inliers), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calibration_sensors (
				run_id, topic, is_reference, tx, ty, tz, qw, qx, qy, qz, roll, pitch, yaw,
				plane_nx, plane_ny, plane_nz, plane_d, plane_inliers
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, sen.Topic, sen.Reference, tr.X, tr.Y, tr.Z,
			wxyz[0], wxyz[1], wxyz[2], wxyz[3], e.Roll, e.Pitch, e.Yaw,
			nx, ny, nz, d, inliers)
		if err != nil {
			return "", fmt.Errorf("insert sensor %s: %w", sen.Topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	log.Printf("[history] recorded run %s (%s, %d sensors) -> %s", runID, rec.Mode, len(rec.Sensors), rec.Path)
	return runID, nil
}

// Runs returns the most recent runs, newest first, without sensor rows.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, artifact_path, saved_at_ns, sensor_count
		FROM calibration_runs
		ORDER BY saved_at_ns DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var savedNs int64
		if err := rows.Scan(&r.RunID, &r.Mode, &r.ArtifactPath, &savedNs, &r.SensorCount); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.SavedAt = time.Unix(0, savedNs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns one run with its sensor rows in topic order.
func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	var r Run
	var savedNs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, mode, artifact_path, saved_at_ns, sensor_count FROM calibration_runs WHERE run_id = ?`,
		runID).Scan(&r.RunID, &r.Mode, &r.ArtifactPath, &savedNs, &r.SensorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	r.SavedAt = time.Unix(0, savedNs).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, is_reference, tx, ty, tz, qw, qx, qy, qz, roll, pitch, yaw,
		       plane_nx, plane_ny, plane_nz, plane_d, plane_inliers
		FROM calibration_sensors
		WHERE run_id = ?
		ORDER BY topic`, runID)
	if err != nil {
		return Run{}, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sr SensorRow
		var nx, ny, nz, d sql.NullFloat64
		var inliers sql.NullInt64
		if err := rows.Scan(&sr.Topic, &sr.Reference,
			&sr.Translation[0], &sr.Translation[1], &sr.Translation[2],
			&sr.Rotation[0], &sr.Rotation[1], &sr.Rotation[2], &sr.Rotation[3],
			&sr.Euler[0], &sr.Euler[1], &sr.Euler[2],
			&nx, &ny, &nz, &d, &inliers); err != nil {
			return Run{}, fmt.Errorf("scan sensor: %w", err)
		}
		if nx.Valid {
			sr.Plane = &PlaneRow{
				Normal:  [3]float64{nx.Float64, ny.Float64, nz.Float64},
				D:       d.Float64,
				Inliers: int(inliers.Int64),
			}
		}
		r.Sensors = append(r.Sensors, sr)
	}
	return r, rows.Err()
}
