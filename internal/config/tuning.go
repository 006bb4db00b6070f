// Package config loads the sensor transform table (YAML) and the calibration
// tuning file (JSON), and saves calibrated transform tables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/ground"
)

// TuningConfig holds the estimator and loop settings. Every field is optional;
// the Get* methods supply defaults for omitted ones, so partial files are safe.
// The schema matches the /api/calibration/tuning endpoint.
type TuningConfig struct {
	// Ground plane estimator
	NumIterations       *int     `json:"num_iterations,omitempty"`
	NumSeedPoints       *int     `json:"num_seed_points,omitempty"`
	SeedHeightThreshold *float64 `json:"seed_height_threshold,omitempty"`
	DistanceThreshold   *float64 `json:"distance_threshold,omitempty"`

	// Loop
	TickInterval *string `json:"tick_interval,omitempty"` // duration string like "100ms"
	PollTimeout  *string `json:"poll_timeout,omitempty"`  // duration string like "20ms"

	// Output
	OutputFrameID *string `json:"output_frame_id,omitempty"`
}

const (
	defaultTickInterval  = 100 * time.Millisecond
	defaultPollTimeout   = 20 * time.Millisecond
	defaultOutputFrameID = "base_link"
	maxTuningFileSize    = 1 * 1024 * 1024
)

// EmptyTuningConfig returns a TuningConfig with every field unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The path must have a
// .json extension and the file must be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxTuningFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxTuningFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *TuningConfig) Validate() error {
	if err := c.GroundParams().Validate(); err != nil {
		return err
	}

	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}

	if c.PollTimeout != nil && *c.PollTimeout != "" {
		d, err := time.ParseDuration(*c.PollTimeout)
		if err != nil {
			return fmt.Errorf("invalid poll_timeout '%s': %w", *c.PollTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("poll_timeout must be non-negative, got %s", d)
		}
	}

	return nil
}

// GroundParams returns the estimator parameters with defaults filled in.
func (c *TuningConfig) GroundParams() ground.Params {
	p := ground.DefaultParams()
	if c.NumIterations != nil {
		p.NumIterations = *c.NumIterations
	}
	if c.NumSeedPoints != nil {
		p.NumSeedPoints = *c.NumSeedPoints
	}
	if c.SeedHeightThreshold != nil {
		p.SeedHeightThreshold = *c.SeedHeightThreshold
	}
	if c.DistanceThreshold != nil {
		p.DistanceThreshold = *c.DistanceThreshold
	}
	return p
}

// GetTickInterval returns the loop period. Defaults to 100ms (10 Hz).
func (c *TuningConfig) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return defaultTickInterval
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return defaultTickInterval
	}
	return d
}

// GetPollTimeout returns how long one tick waits for frames.
func (c *TuningConfig) GetPollTimeout() time.Duration {
	if c.PollTimeout == nil || *c.PollTimeout == "" {
		return defaultPollTimeout
	}
	d, err := time.ParseDuration(*c.PollTimeout)
	if err != nil || d < 0 {
		return defaultPollTimeout
	}
	return d
}

// GetOutputFrameID returns the frame calibrated clouds are published in.
func (c *TuningConfig) GetOutputFrameID() string {
	if c.OutputFrameID == nil || *c.OutputFrameID == "" {
		return defaultOutputFrameID
	}
	return *c.OutputFrameID
}
