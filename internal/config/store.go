package config

import (
	"fmt"
	"log"

	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
	"github.com/banshee-data/lidar-extrinsics/internal/timeutil"
)

// SaveTimeLayout names saved artifacts. It is UTC and free of colons so the
// names are portable.
const SaveTimeLayout = "20060102T150405Z"

// Store writes calibrated transform tables next to the loaded one. The loaded
// file is never overwritten.
type Store struct {
	fs    fsutil.FileSystem
	file  *File
	clock timeutil.Clock
}

// NewStore returns a store that saves variants of file.
func NewStore(fsys fsutil.FileSystem, file *File, clock timeutil.Clock) *Store {
	return &Store{fs: fsys, file: file, clock: clock}
}

// File returns the table the store was created from.
func (s *Store) File() *File {
	return s.file
}

// Save writes the table with transforms applied to "<path>_<timestamp>" and
// returns the written path. If that name is taken a numeric suffix is added.
func (s *Store) Save(transforms map[string]geom.Transform) (string, error) {
	data, err := s.file.Encode(transforms)
	if err != nil {
		return "", fmt.Errorf("encoding transform table: %w", err)
	}

	base := s.file.Path + "_" + s.clock.Now().UTC().Format(SaveTimeLayout)
	path := base
	for i := 1; path == s.file.Path || s.fs.Exists(path); i++ {
		path = fmt.Sprintf("%s_%d", base, i)
	}

	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	log.Printf("[config] saved transform table to %s", path)
	return path, nil
}
