package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
)

// ErrMissingOrAmbiguousReference is returned when the table does not mark exactly
// one sensor with is_main.
var ErrMissingOrAmbiguousReference = registry.ErrMissingOrAmbiguousReference

// TransformEntry is the on-disk transform of one sensor.
type TransformEntry struct {
	// Translation is [x, y, z] in metres.
	Translation []float64 `yaml:"translation"`
	// Rotation is a quaternion [w, x, y, z]; it is normalized on load.
	Rotation []float64 `yaml:"rotation"`
	// RotationEuler is [roll, pitch, yaw] in radians. Written on save for
	// operators and ignored on load.
	RotationEuler []float64 `yaml:"rotation_euler,omitempty"`
}

// SensorEntry is one topic's block in the transform table.
type SensorEntry struct {
	IsMain       bool           `yaml:"is_main"`
	LoadFromFile bool           `yaml:"load_from_file"`
	FilePath     string         `yaml:"file_path,omitempty"`
	UsePoints    bool           `yaml:"use_points,omitempty"`
	Transform    TransformEntry `yaml:"transform"`
}

// Sensor pairs a topic with its entry.
type Sensor struct {
	Topic string
	SensorEntry
}

// File is a parsed transform table. Topic order follows the document.
type File struct {
	Path    string
	Sensors []Sensor

	// doc is kept so a save rewrites only the transform blocks and leaves
	// comments and unknown keys in place.
	doc yaml.Node
}

// Load reads and validates the transform table at path. A missing or unparseable
// file is an error the caller treats as fatal.
func Load(fsys fsutil.FileSystem, path string) (*File, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading transform table: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse decodes a transform table document and validates it.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, &f.doc); err != nil {
		return nil, err
	}
	root := f.root()
	if root == nil || root.Kind != yaml.MappingNode {
		return nil, errors.New("transform table must be a mapping of topic to sensor")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		topic := root.Content[i].Value
		var entry SensorEntry
		if err := root.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("topic %q: %w", topic, err)
		}
		entry.FilePath = expandEnvVars(entry.FilePath)
		f.Sensors = append(f.Sensors, Sensor{Topic: topic, SensorEntry: entry})
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) root() *yaml.Node {
	if f.doc.Kind != yaml.DocumentNode || len(f.doc.Content) == 0 {
		return nil
	}
	return f.doc.Content[0]
}

// Validate checks the table shape: at least one sensor, exactly one reference,
// and well-formed transforms.
func (f *File) Validate() error {
	if len(f.Sensors) == 0 {
		return errors.New("transform table has no sensors")
	}
	mains := 0
	seen := make(map[string]bool, len(f.Sensors))
	for _, s := range f.Sensors {
		if s.Topic == "" {
			return errors.New("empty topic name")
		}
		if seen[s.Topic] {
			return fmt.Errorf("%w: %q", registry.ErrDuplicateTopic, s.Topic)
		}
		seen[s.Topic] = true
		if s.IsMain {
			mains++
		}
		if s.LoadFromFile && s.FilePath == "" {
			return fmt.Errorf("topic %q: load_from_file requires file_path", s.Topic)
		}
		if _, err := s.Transform.Transform(); err != nil {
			return fmt.Errorf("topic %q: %w", s.Topic, err)
		}
	}
	if mains != 1 {
		return fmt.Errorf("%w: found %d", ErrMissingOrAmbiguousReference, mains)
	}
	return nil
}

// Transform converts the entry to a rigid transform.
func (e TransformEntry) Transform() (geom.Transform, error) {
	if len(e.Translation) != 3 {
		return geom.Transform{}, fmt.Errorf("translation must have 3 values, got %d", len(e.Translation))
	}
	if len(e.Rotation) != 4 {
		return geom.Transform{}, fmt.Errorf("rotation must have 4 values [w, x, y, z], got %d", len(e.Rotation))
	}
	t := r3.Vector{X: e.Translation[0], Y: e.Translation[1], Z: e.Translation[2]}
	q := geom.NewQuaternion(e.Rotation[0], e.Rotation[1], e.Rotation[2], e.Rotation[3])
	return geom.FromTranslationQuaternion(t, q)
}

// EntryFromTransform decomposes t into all three on-disk representations.
func EntryFromTransform(t geom.Transform) TransformEntry {
	tr, q := t.TranslationQuaternion()
	wxyz := q.WXYZ()
	e := t.Euler()
	return TransformEntry{
		Translation:   []float64{tr.X, tr.Y, tr.Z},
		Rotation:      wxyz[:],
		RotationEuler: []float64{e.Roll, e.Pitch, e.Yaw},
	}
}

// Specs builds the registry specs for every sensor, preloading the clouds of
// load_from_file sensors through fsys. An unreadable cloud file is an error.
func (f *File) Specs(fsys fsutil.FileSystem) ([]registry.Spec, error) {
	specs := make([]registry.Spec, 0, len(f.Sensors))
	for _, s := range f.Sensors {
		t, err := s.Transform.Transform()
		if err != nil {
			return nil, fmt.Errorf("topic %q: %w", s.Topic, err)
		}
		spec := registry.Spec{Topic: s.Topic, Reference: s.IsMain, Transform: t, Source: registry.SourceLive}
		if s.LoadFromFile {
			data, err := fsys.ReadFile(s.FilePath)
			if err != nil {
				return nil, fmt.Errorf("topic %q: loading cloud: %w", s.Topic, err)
			}
			c, err := cloud.ReadPCD(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("topic %q: decoding %s: %w", s.Topic, s.FilePath, err)
			}
			c.Topic = s.Topic
			spec.Source = registry.SourceFile
			spec.Cloud = c
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Encode renders the table with each sensor's transform replaced by the
// matching entry in transforms. Topics missing from transforms are left as
// loaded.
func (f *File) Encode(transforms map[string]geom.Transform) ([]byte, error) {
	root := f.root()
	if root == nil {
		return nil, errors.New("transform table not loaded")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		t, ok := transforms[root.Content[i].Value]
		if !ok {
			continue
		}
		var node yaml.Node
		if err := node.Encode(EntryFromTransform(t)); err != nil {
			return nil, err
		}
		flowSequences(&node)
		setKey(root.Content[i+1], "transform", &node)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&f.doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// setKey replaces or appends key in a mapping node.
func setKey(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func flowSequences(n *yaml.Node) {
	if n.Kind == yaml.SequenceNode {
		n.Style = yaml.FlowStyle
	}
	for _, c := range n.Content {
		flowSequences(c)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
