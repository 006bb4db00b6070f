package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/timeutil"
)

// Memory is an in-process transport. Like a depth-one subscription it keeps only
// the newest undelivered frame per topic.
type Memory struct {
	clock timeutil.Clock

	mu        sync.Mutex
	pending   map[string]*cloud.Cloud
	order     []string
	notify    chan struct{}
	published map[string][]*cloud.Cloud
}

// NewMemory returns an empty Memory transport. Poll timeouts use clock.
func NewMemory(clock timeutil.Clock) *Memory {
	return &Memory{
		clock:     clock,
		pending:   make(map[string]*cloud.Cloud),
		notify:    make(chan struct{}, 1),
		published: make(map[string][]*cloud.Cloud),
	}
}

// Push queues c on c.Topic, replacing an undelivered frame on the same topic.
func (m *Memory) Push(c *cloud.Cloud) {
	m.mu.Lock()
	if _, ok := m.pending[c.Topic]; !ok {
		m.order = append(m.order, c.Topic)
	}
	m.pending[c.Topic] = c
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) drain() []*cloud.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	out := make([]*cloud.Cloud, 0, len(m.order))
	for _, topic := range m.order {
		out = append(out, m.pending[topic])
	}
	m.pending = make(map[string]*cloud.Cloud)
	m.order = nil
	return out
}

// Poll returns pending frames in arrival order of their topics.
func (m *Memory) Poll(ctx context.Context, maxWait time.Duration) ([]*cloud.Cloud, error) {
	if frames := m.drain(); frames != nil {
		return frames, nil
	}
	timeout := m.clock.After(maxWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return m.drain(), nil
		case <-m.notify:
			if frames := m.drain(); frames != nil {
				return frames, nil
			}
		}
	}
}

// Publish records c under topic.
func (m *Memory) Publish(topic string, c *cloud.Cloud) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = append(m.published[topic], c)
	return nil
}

// Published returns every frame published on topic.
func (m *Memory) Published(topic string) []*cloud.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*cloud.Cloud(nil), m.published[topic]...)
}

// PublishedTopics returns the topics that have received at least one frame.
func (m *Memory) PublishedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.published))
	for t := range m.published {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
