package calibration

import (
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/ground"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
)

// Status is a read-only view of the controller for HTTP and websocket clients.
type Status struct {
	Mode         Mode           `json:"mode"`
	Phase        Phase          `json:"phase"`
	ActiveTopic  string         `json:"active_topic"`
	LoadPending  bool           `json:"load_pending"`
	Reference    string         `json:"reference"`
	Missing      []string       `json:"missing,omitempty"`
	Ticks        uint64         `json:"ticks"`
	LastSavePath string         `json:"last_save_path,omitempty"`
	LastSaveAt   *time.Time     `json:"last_save_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Sensors      []SensorStatus `json:"sensors"`
}

// SensorStatus is one topic's current state.
type SensorStatus struct {
	Topic       string                `json:"topic"`
	Reference   bool                  `json:"reference"`
	HasData     bool                  `json:"has_data"`
	Points      int                   `json:"points"`
	Params      registry.ManualParams `json:"params"`
	Translation [3]float64            `json:"translation"`
	Rotation    [4]float64            `json:"rotation"` // w, x, y, z
	Plane       *PlaneStatus          `json:"plane,omitempty"`
}

// PlaneStatus summarizes a fitted ground plane.
type PlaneStatus struct {
	Normal       [3]float64 `json:"normal"`
	D            float64    `json:"d"`
	TiltDegrees  float64    `json:"tilt_degrees"`
	Inliers      int        `json:"inliers"`
	Conditioning float64    `json:"conditioning"`
}

func planeStatus(p *ground.Plane) *PlaneStatus {
	if p == nil {
		return nil
	}
	return &PlaneStatus{
		Normal:       [3]float64{p.Normal.X, p.Normal.Y, p.Normal.Z},
		D:            p.D,
		TiltDegrees:  p.TiltDegrees(),
		Inliers:      p.Inliers,
		Conditioning: p.Conditioning(),
	}
}

// Sensor returns the status of topic.
func (s Status) Sensor(topic string) (SensorStatus, bool) {
	for _, ss := range s.Sensors {
		if ss.Topic == topic {
			return ss, true
		}
	}
	return SensorStatus{}, false
}

// Subscribe returns a channel that receives status updates and a function to
// cancel the subscription. Slow subscribers only see the latest status. The
// channel is closed when Run returns; subscribing after that yields the final
// status on an already closed channel.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	ch <- c.Status()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) broadcast(s Status) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		replaceLatest(ch, s)
	}
}

// closeSubscribers hands every subscriber s and closes its channel.
func (c *Controller) closeSubscribers(s Status) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subsClosed = true
	for id, ch := range c.subs {
		replaceLatest(ch, s)
		close(ch)
		delete(c.subs, id)
	}
}

// replaceLatest swaps whatever ch holds for s. ch has a buffer of one.
func replaceLatest(ch chan Status, s Status) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
