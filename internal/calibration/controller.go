// Package calibration runs the calibration session: it ingests clouds from the
// transport, publishes calibrated clouds, and either solves every sensor's
// transform from the shared ground plane (automatic mode) or applies operator
// edits live (interactive mode), saving the transform table on completion or
// on request.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/geom"
	"github.com/banshee-data/lidar-extrinsics/internal/ground"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
	"github.com/banshee-data/lidar-extrinsics/internal/timeutil"
	"github.com/banshee-data/lidar-extrinsics/internal/transport"
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("calibration controller stopped")

// Saver persists the transform table and returns the artifact path.
type Saver interface {
	Save(transforms map[string]geom.Transform) (string, error)
}

// Recorder keeps a history of saves.
type Recorder interface {
	RecordSave(ctx context.Context, rec SaveRecord) error
}

// Plotter renders a diagnostic view of a fitted ground plane and returns where
// it was written.
type Plotter interface {
	PlotGround(topic string, c *cloud.Cloud, plane ground.Plane) (string, error)
}

// SaveRecord describes one persisted transform table.
type SaveRecord struct {
	Mode    Mode
	Path    string
	At      time.Time
	Sensors []SavedSensor
}

// SavedSensor is one topic's state at save time.
type SavedSensor struct {
	Topic     string
	Reference bool
	Transform geom.Transform
	Plane     *ground.Plane
}

// Config configures a Controller.
type Config struct {
	Mode          Mode
	Estimator     ground.Params
	TickInterval  time.Duration
	PollTimeout   time.Duration
	OutputFrameID string
	Clock         timeutil.Clock

	// Recorder and Plotter are optional.
	Recorder Recorder
	Plotter  Plotter
}

// Controller owns the calibration session. All mutations are serialized
// through the commands channel and applied by the Run goroutine.
type Controller struct {
	cfg       Config
	reg       *registry.Registry
	tr        transport.Transport
	saver     Saver
	estimator *ground.Estimator

	commands chan Command
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the Run goroutine.
	session   Session
	ticks     uint64
	lastSave  string
	lastSaved time.Time
	lastErr   string

	statusMu sync.RWMutex
	status   Status

	subsMu     sync.Mutex
	subs       map[int]chan Status
	nextSub    int
	subsClosed bool
}

// New returns a controller over reg. tr delivers raw frames and receives
// calibrated ones; saver writes the transform table.
func New(cfg Config, reg *registry.Registry, tr transport.Transport, saver Saver) (*Controller, error) {
	if err := cfg.Estimator.Validate(); err != nil {
		return nil, fmt.Errorf("estimator params: %w", err)
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %s", cfg.TickInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.OutputFrameID == "" {
		cfg.OutputFrameID = "base_link"
	}
	c := &Controller{
		cfg:       cfg,
		reg:       reg,
		tr:        tr,
		saver:     saver,
		estimator: ground.NewEstimator(cfg.Estimator),
		commands:  make(chan Command, 64),
		stopped:   make(chan struct{}),
		session:   newSession(cfg.Mode),
		subs:      make(map[int]chan Status),
	}
	c.refreshStatus()
	return c, nil
}

// Submit enqueues cmd for the Run goroutine. It blocks while the queue is full
// and fails once the context is done or Run has returned.
func (c *Controller) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest status snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

// Run drives the session until ctx is cancelled or, in automatic mode, the
// table has been saved. It returns nil after an automatic save. On return every
// status subscriber receives the final status and its channel is closed.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() {
		close(c.stopped)
		c.refreshStatus()
		c.closeSubscribers(c.Status())
	})

	ticker := c.cfg.Clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	Opsf("session started: mode=%s topics=%v reference=%s", c.session.Mode, c.reg.Topics(), c.reg.ReferenceTopic())
	for {
		select {
		case <-ctx.Done():
			Opsf("session stopped: %v", ctx.Err())
			return ctx.Err()
		case cmd := <-c.commands:
			c.handle(ctx, cmd)
		case <-ticker.C():
			if err := c.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				Opsf("tick failed: %v", err)
			}
			if c.session.Phase == Done {
				Opsf("session complete")
				return nil
			}
		}
	}
}

// tick polls the transport once and advances the session.
func (c *Controller) tick(ctx context.Context) error {
	c.ticks++
	frames, err := c.tr.Poll(ctx, c.cfg.PollTimeout)
	if len(frames) > 0 {
		c.handle(ctx, ingest{frames: frames})
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	if c.session.Mode == Automatic && c.session.Phase == Collecting {
		if c.reg.AllTopicsHaveData() {
			c.solveAndSave(ctx)
		} else {
			Tracef("collecting: waiting for %v", c.reg.Missing())
		}
	}

	c.publish()

	flush := c.session.PendingFlush
	c.session.PendingFlush = false
	c.refreshStatus()
	if flush {
		c.broadcast(c.Status())
	}
	return nil
}

// handle applies one command. It is the session's transition table.
func (c *Controller) handle(ctx context.Context, cmd Command) {
	switch cmd := cmd.(type) {
	case ingest:
		for _, f := range cmd.frames {
			if err := c.reg.UpdateCloud(f.Topic, f); err != nil {
				Diagf("ignoring frame: %v", err)
				continue
			}
			Tracef("ingest %s: %d points", f.Topic, f.Len())
		}
		return

	case SelectTopic:
		if !c.interactive("select topic") {
			return
		}
		c.selectTopic(cmd.Topic)

	case AdjustParameters:
		if !c.interactive("adjust parameters") {
			return
		}
		c.adjust(cmd.Topic, func(registry.ManualParams) registry.ManualParams { return cmd.Params })

	case AdjustParameter:
		if !c.interactive("adjust parameter") {
			return
		}
		c.adjust(cmd.Topic, func(p registry.ManualParams) registry.ManualParams { return cmd.Field.apply(p, cmd.Value) })

	case AdjustFields:
		if !c.interactive("adjust parameters") {
			return
		}
		c.adjust(cmd.Topic, func(p registry.ManualParams) registry.ManualParams {
			for f, v := range cmd.Values {
				p = f.apply(p, v)
			}
			return p
		})

	case TriggerSave:
		if !c.interactive("save") {
			return
		}
		c.save(ctx)
		c.session.Phase = Adjusting

	default:
		Opsf("ignoring unknown command %T", cmd)
		return
	}
	c.refreshStatus()
	c.broadcast(c.Status())
}

func (c *Controller) interactive(what string) bool {
	if c.session.Mode != Interactive {
		Opsf("ignoring %s: session is %s", what, c.session.Mode)
		return false
	}
	return true
}

// selectTopic switches the active topic. The next edit for it is load-only.
func (c *Controller) selectTopic(topic string) bool {
	if !c.reg.Has(topic) {
		Opsf("ignoring selection of unknown topic %q", topic)
		return false
	}
	if topic != c.session.ActiveTopic {
		Diagf("active topic %q -> %q", c.session.ActiveTopic, topic)
	}
	c.session.ActiveTopic = topic
	c.session.LoadPending = true
	c.session.PendingFlush = true
	return true
}

// adjust applies an edit event. An event naming another topic switches to it
// and is consumed as the load-only event; so is the first event after an
// explicit SelectTopic.
func (c *Controller) adjust(topic string, edit func(registry.ManualParams) registry.ManualParams) {
	if topic != c.session.ActiveTopic {
		if c.selectTopic(topic) {
			c.session.LoadPending = false
		}
		return
	}
	if c.session.LoadPending {
		c.session.LoadPending = false
		c.session.PendingFlush = true
		return
	}

	current, err := c.reg.ManualParams(topic)
	if err != nil {
		Opsf("ignoring edit: %v", err)
		return
	}
	next := edit(current)
	if err := c.reg.SetManualParams(topic, next); err != nil {
		Opsf("rejecting edit for %s: %v", topic, err)
		c.session.PendingFlush = true
		return
	}
	Diagf("%s params %+v", topic, next)
}

// solveAndSave runs Solving then Saving and ends the automatic session.
func (c *Controller) solveAndSave(ctx context.Context) {
	c.session.Phase = Solving
	c.refreshStatus()
	c.broadcast(c.Status())

	c.dumpTransforms("before calibration")
	c.solve()
	c.dumpTransforms("after calibration")

	c.save(ctx)
	c.session.Phase = Done
}

// solve fits every topic's ground plane and aligns each non-reference sensor
// with the reference plane. Failures skip only the affected topic.
func (c *Controller) solve() {
	ref := c.reg.ReferenceTopic()
	planes := make(map[string]ground.Plane)
	for _, topic := range c.reg.Topics() {
		cl, err := c.reg.Cloud(topic)
		if err != nil {
			continue
		}
		plane, err := c.estimator.Estimate(cl)
		if err != nil {
			Opsf("%s: ground plane: %v", topic, err)
			continue
		}
		planes[topic] = plane
		if err := c.reg.SetPlane(topic, plane); err != nil {
			Opsf("%s: storing plane: %v", topic, err)
		}
		Diagf("%s: plane n=(%.4f %.4f %.4f) d=%.4f tilt=%.2fdeg inliers=%d conditioning=%.3f",
			topic, plane.Normal.X, plane.Normal.Y, plane.Normal.Z, plane.D, plane.TiltDegrees(), plane.Inliers, plane.Conditioning())
		if c.cfg.Plotter != nil {
			if path, err := c.cfg.Plotter.PlotGround(topic, cl, plane); err != nil {
				Opsf("%s: plot: %v", topic, err)
			} else {
				Diagf("%s: plot written to %s", topic, path)
			}
		}
	}

	refPlane, ok := planes[ref]
	if !ok {
		Opsf("reference %s has no ground plane; keeping configured transforms", ref)
		return
	}
	refT, err := c.reg.Transform(ref)
	if err != nil {
		Opsf("reference transform: %v", err)
		return
	}
	refInv := refT.Inverse()

	for _, topic := range c.reg.Topics() {
		plane, ok := planes[topic]
		if topic == ref || !ok {
			continue
		}
		current, err := c.reg.Transform(topic)
		if err != nil {
			continue
		}
		// Solve in the reference sensor frame, then express the result in the
		// output frame the reference transform maps into.
		prior := refInv.Mul(current)
		res, err := ground.Solve(refPlane, plane, prior)
		if err != nil {
			Opsf("%s: solve: %v", topic, err)
			continue
		}
		if err := c.reg.SetTransform(topic, refT.Mul(res.Transform)); err != nil {
			Opsf("%s: storing transform: %v", topic, err)
			continue
		}
		Diagf("%s: rotated %.3fdeg about (%.3f %.3f %.3f), normal shift %.4f",
			topic, res.AngleRad*180/math.Pi, res.Axis.X, res.Axis.Y, res.Axis.Z, res.NormalShift)
	}
}

func (c *Controller) dumpTransforms(label string) {
	for _, s := range c.reg.Snapshot() {
		tr := s.Transform.Translation()
		e := s.Transform.Euler()
		Diagf("%s: %s t=(%.4f %.4f %.4f) rpy=(%.4f %.4f %.4f)", label, s.Topic, tr.X, tr.Y, tr.Z, e.Roll, e.Pitch, e.Yaw)
	}
}

// save writes every transform through the saver and records the save.
func (c *Controller) save(ctx context.Context) {
	c.session.Phase = Saving
	c.refreshStatus()

	snap := c.reg.Snapshot()
	transforms := make(map[string]geom.Transform, len(snap))
	rec := SaveRecord{Mode: c.session.Mode, At: c.cfg.Clock.Now()}
	for _, s := range snap {
		transforms[s.Topic] = s.Transform
		rec.Sensors = append(rec.Sensors, SavedSensor{Topic: s.Topic, Reference: s.Reference, Transform: s.Transform, Plane: s.Plane})
	}

	path, err := c.saver.Save(transforms)
	if err != nil {
		c.lastErr = err.Error()
		Opsf("save failed: %v", err)
		return
	}
	c.lastErr = ""
	c.lastSave = path
	c.lastSaved = rec.At
	rec.Path = path
	Opsf("saved %d transforms to %s", len(transforms), path)

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordSave(ctx, rec); err != nil {
			Opsf("recording save: %v", err)
		}
	}
}

// publish sends every received cloud, transformed by its current transform, to
// the topic's output stream.
func (c *Controller) publish() {
	for _, topic := range c.reg.Topics() {
		cl, err := c.reg.Cloud(topic)
		if err != nil || cl == nil {
			continue
		}
		t, err := c.reg.Transform(topic)
		if err != nil {
			continue
		}
		out := cl.Transformed(t, c.cfg.OutputFrameID)
		out.Topic = transport.OutputTopic(topic)
		if err := c.tr.Publish(out.Topic, out); err != nil {
			Opsf("publish %s: %v", out.Topic, err)
		}
	}
}

// refreshStatus rebuilds the status snapshot from the session and registry.
func (c *Controller) refreshStatus() {
	snap := c.reg.Snapshot()
	s := Status{
		Mode:         c.session.Mode,
		Phase:        c.session.Phase,
		ActiveTopic:  c.session.ActiveTopic,
		LoadPending:  c.session.LoadPending,
		Reference:    c.reg.ReferenceTopic(),
		Missing:      c.reg.Missing(),
		Ticks:        c.ticks,
		LastSavePath: c.lastSave,
		LastError:    c.lastErr,
		Sensors:      make([]SensorStatus, 0, len(snap)),
	}
	if !c.lastSaved.IsZero() {
		at := c.lastSaved
		s.LastSaveAt = &at
	}
	for _, r := range snap {
		tr, q := r.Transform.TranslationQuaternion()
		s.Sensors = append(s.Sensors, SensorStatus{
			Topic:       r.Topic,
			Reference:   r.Reference,
			HasData:     r.HasData,
			Points:      r.Points,
			Params:      r.Params,
			Translation: [3]float64{tr.X, tr.Y, tr.Z},
			Rotation:    q.WXYZ(),
			Plane:       planeStatus(r.Plane),
		})
	}

	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}
