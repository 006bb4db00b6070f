// Package tuning turns edits of a JSON params file into calibration commands, so
// an operator can tune a sensor from any editor or script on the rig.
//
// The file holds one edit event:
//
//	{"topic": "/lidar/left", "x": 0.1, "y": 0.9, "z": 0, "roll": 0, "pitch": 0, "yaw": 1.57}
//
// A file naming all six params becomes one AdjustParameters and a partial file
// one AdjustFields. The topic "save" requests a save.
package tuning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/lidar-extrinsics/internal/calibration"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
)

// saveTopic is the pseudo-topic that requests a save.
const saveTopic = "save"

// Submitter accepts controller commands.
type Submitter interface {
	Submit(ctx context.Context, cmd calibration.Command) error
}

// ParamsFile is the JSON shape of the watched file.
type ParamsFile struct {
	Topic string   `json:"topic"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
	Z     *float64 `json:"z,omitempty"`
	Roll  *float64 `json:"roll,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Yaw   *float64 `json:"yaw,omitempty"`
}

// Parse decodes a params file into the one command it requests. Each file
// event is one edit event, so a topic switch consumes all of it.
func Parse(data []byte) (calibration.Command, error) {
	var f ParamsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid params file: %w", err)
	}
	if f.Topic == "" {
		return nil, errors.New("params file: topic is required")
	}
	if f.Topic == saveTopic {
		return calibration.TriggerSave{}, nil
	}

	fields := []struct {
		field calibration.Field
		value *float64
	}{
		{calibration.FieldX, f.X},
		{calibration.FieldY, f.Y},
		{calibration.FieldZ, f.Z},
		{calibration.FieldRoll, f.Roll},
		{calibration.FieldPitch, f.Pitch},
		{calibration.FieldYaw, f.Yaw},
	}
	values := make(map[calibration.Field]float64, len(fields))
	for _, fv := range fields {
		if fv.value != nil {
			values[fv.field] = *fv.value
		}
	}
	switch len(values) {
	case 0:
		return nil, fmt.Errorf("params file for %q sets no params", f.Topic)
	case len(fields):
		return calibration.AdjustParameters{
			Topic: f.Topic,
			Params: registry.ManualParams{
				X: *f.X, Y: *f.Y, Z: *f.Z,
				Roll: *f.Roll, Pitch: *f.Pitch, Yaw: *f.Yaw,
			},
		}, nil
	}
	return calibration.AdjustFields{Topic: f.Topic, Values: values}, nil
}

// Watcher submits the command in a params file each time its content changes.
type Watcher struct {
	path string
	fsys fsutil.FileSystem
	sub  Submitter
	last []byte
}

// NewWatcher returns a watcher for path. fsys reads the file.
func NewWatcher(path string, fsys fsutil.FileSystem, sub Submitter) *Watcher {
	return &Watcher{path: filepath.Clean(path), fsys: fsys, sub: sub}
}

// Reload reads the file and submits its command. Unchanged content is skipped,
// since editors often write a file several times per save.
func (w *Watcher) Reload(ctx context.Context) error {
	data, err := w.fsys.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read params file: %w", err)
	}
	if w.last != nil && bytes.Equal(data, w.last) {
		return nil
	}
	cmd, err := Parse(data)
	if err != nil {
		return err
	}
	w.last = data
	if err := w.sub.Submit(ctx, cmd); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	log.Printf("[tuning] submitted %T from %s", cmd, w.path)
	return nil
}

// Run watches the file's directory until ctx is done. Watching the directory
// keeps working across the rename-into-place saves many editors do. The file's
// current content is not applied at startup; only later changes are.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Printf("[tuning] watching %s", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(ctx); err != nil {
				if errors.Is(err, calibration.ErrStopped) {
					return nil
				}
				log.Printf("[tuning] %v", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[tuning] watcher error: %v", err)
		}
	}
}
