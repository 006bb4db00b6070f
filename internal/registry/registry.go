// Package registry owns the per-sensor calibration state: the latest cloud, the
// current transform, the manual tuning parameters and the fitted ground plane.
//
// Records are created once from configuration and stored in a fixed arena. There is
// no API to add or remove topics at runtime, so the key set cannot change after New.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
	"github.com/banshee-data/lidar-extrinsics/internal/ground"
)

var (
	// ErrUnknownTopic is returned for a topic that was not configured at startup.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrReferenceImmutable is returned when a caller tries to move the reference sensor.
	ErrReferenceImmutable = errors.New("reference sensor transform is immutable")
	// ErrMissingOrAmbiguousReference is returned when the configuration does not
	// mark exactly one sensor as the reference.
	ErrMissingOrAmbiguousReference = errors.New("exactly one sensor must be the reference (is_main)")
	// ErrDuplicateTopic is returned when two specs share a topic.
	ErrDuplicateTopic = errors.New("duplicate topic")
)

// referenceTolerance bounds how far manual params for the reference may drift from
// its fixed transform before they are rejected.
const referenceTolerance = 1e-9

// ManualParams are the six live-tunable scalars shown to an operator.
type ManualParams struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// ParamsFromTransform decomposes t into manual params.
func ParamsFromTransform(t geom.Transform) ManualParams {
	tr := t.Translation()
	e := t.Euler()
	return ManualParams{X: tr.X, Y: tr.Y, Z: tr.Z, Roll: e.Roll, Pitch: e.Pitch, Yaw: e.Yaw}
}

// Transform rebuilds the rigid transform described by p.
func (p ManualParams) Transform() geom.Transform {
	return geom.FromEuler(
		r3.Vector{X: p.X, Y: p.Y, Z: p.Z},
		geom.Euler{Roll: p.Roll, Pitch: p.Pitch, Yaw: p.Yaw},
	)
}

// Source describes where a topic's clouds come from.
type Source int

const (
	// SourceLive clouds arrive from the transport.
	SourceLive Source = iota
	// SourceFile clouds were loaded once from a PCD file at startup.
	SourceFile
)

// Spec describes one sensor at construction time.
type Spec struct {
	Topic     string
	Reference bool
	Transform geom.Transform
	Source    Source
	Cloud     *cloud.Cloud // preloaded cloud for SourceFile
}

// record is one arena slot. Only the registry touches it, under mu.
type record struct {
	topic     string
	reference bool
	source    Source
	cloud     *cloud.Cloud
	hasData   bool
	transform geom.Transform
	params    ManualParams
	plane     *ground.Plane
	updates   uint64
}

// RecordSnapshot is a consistent copy of one record.
type RecordSnapshot struct {
	Topic     string
	Reference bool
	Source    Source
	HasData   bool
	Points    int
	Transform geom.Transform
	Params    ManualParams
	Plane     *ground.Plane
	Updates   uint64
}

// Registry holds one record per configured topic.
type Registry struct {
	mu        sync.RWMutex
	records   []record
	index     map[string]int
	reference int
}

// New builds the registry. Exactly one spec must be the reference, and the
// reference transform is frozen from here on.
func New(specs []Spec) (*Registry, error) {
	r := &Registry{
		records:   make([]record, len(specs)),
		index:     make(map[string]int, len(specs)),
		reference: -1,
	}
	for i, s := range specs {
		if _, dup := r.index[s.Topic]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTopic, s.Topic)
		}
		if s.Reference {
			if r.reference >= 0 {
				return nil, fmt.Errorf("%w: both %q and %q", ErrMissingOrAmbiguousReference, r.records[r.reference].topic, s.Topic)
			}
			r.reference = i
		}
		r.index[s.Topic] = i
		r.records[i] = record{
			topic:     s.Topic,
			reference: s.Reference,
			source:    s.Source,
			cloud:     s.Cloud,
			hasData:   s.Cloud != nil,
			transform: s.Transform,
			params:    ParamsFromTransform(s.Transform),
		}
	}
	if r.reference < 0 {
		return nil, ErrMissingOrAmbiguousReference
	}
	return r, nil
}

// lookup returns the arena slot for topic. Callers hold mu.
func (r *Registry) lookup(topic string) (*record, error) {
	i, ok := r.index[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return &r.records[i], nil
}

// Topics returns the configured topics in configuration order.
func (r *Registry) Topics() []string {
	out := make([]string, len(r.records))
	for i := range r.records {
		out[i] = r.records[i].topic
	}
	return out
}

// Has reports whether topic was configured.
func (r *Registry) Has(topic string) bool {
	_, ok := r.index[topic]
	return ok
}

// ReferenceTopic returns the topic of the reference sensor.
func (r *Registry) ReferenceTopic() string {
	return r.records[r.reference].topic
}

// UpdateCloud replaces the stored cloud for topic and marks it as having data.
// A nil cloud counts as not yet received. No point-count validation is done.
func (r *Registry) UpdateCloud(topic string, c *cloud.Cloud) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return err
	}
	rec.cloud = c
	rec.hasData = c != nil
	rec.updates++
	return nil
}

// Cloud returns the latest cloud for topic, or nil if none has arrived. The
// returned cloud is shared and must not be mutated.
func (r *Registry) Cloud(topic string) (*cloud.Cloud, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return nil, err
	}
	return rec.cloud, nil
}

// AllTopicsHaveData reports whether every configured topic has a cloud.
func (r *Registry) AllTopicsHaveData() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.records {
		if !r.records[i].hasData {
			return false
		}
	}
	return true
}

// Missing returns the topics that have not delivered a cloud yet.
func (r *Registry) Missing() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for i := range r.records {
		if !r.records[i].hasData {
			out = append(out, r.records[i].topic)
		}
	}
	return out
}

// Transform returns the current transform for topic.
func (r *Registry) Transform(topic string) (geom.Transform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return geom.Transform{}, err
	}
	return rec.transform, nil
}

// SetTransform replaces the transform for topic and regenerates its manual
// params. The reference sensor cannot be moved.
func (r *Registry) SetTransform(topic string, t geom.Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return err
	}
	if rec.reference {
		return fmt.Errorf("%w: %q", ErrReferenceImmutable, topic)
	}
	rec.transform = t
	rec.params = ParamsFromTransform(t)
	return nil
}

// ManualParams returns the manual params for topic.
func (r *Registry) ManualParams(topic string) (ManualParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return ManualParams{}, err
	}
	return rec.params, nil
}

// SetManualParams stores p and regenerates the transform from it. For the
// reference sensor p is accepted only if it reproduces the fixed transform.
func (r *Registry) SetManualParams(topic string, p ManualParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return err
	}
	t := p.Transform()
	if rec.reference {
		if !t.AlmostEqual(rec.transform, referenceTolerance) {
			return fmt.Errorf("%w: %q", ErrReferenceImmutable, topic)
		}
		return nil
	}
	rec.params = p
	rec.transform = t
	return nil
}

// SetPlane records the ground plane fitted for topic.
func (r *Registry) SetPlane(topic string, p ground.Plane) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return err
	}
	rec.plane = &p
	return nil
}

// Plane returns the ground plane for topic; ok is false before estimation.
func (r *Registry) Plane(topic string) (p ground.Plane, ok bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(topic)
	if err != nil {
		return ground.Plane{}, false, err
	}
	if rec.plane == nil {
		return ground.Plane{}, false, nil
	}
	return *rec.plane, true, nil
}

// Snapshot copies every record under one read lock, so no partially updated
// record is visible to persistence.
func (r *Registry) Snapshot() []RecordSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecordSnapshot, len(r.records))
	for i := range r.records {
		rec := &r.records[i]
		s := RecordSnapshot{
			Topic:     rec.topic,
			Reference: rec.reference,
			Source:    rec.source,
			HasData:   rec.hasData,
			Points:    rec.cloud.Len(),
			Transform: rec.transform,
			Params:    rec.params,
			Updates:   rec.updates,
		}
		if rec.plane != nil {
			p := *rec.plane
			s.Plane = &p
		}
		out[i] = s
	}
	return out
}
