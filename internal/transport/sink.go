package transport

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/timeutil"
)

// PCDSink writes each published topic to <root>/<topic path>.pcd, overwriting
// the previous frame. Writes for a topic are skipped until MinInterval has
// passed since the last one.
type PCDSink struct {
	fs          fsutil.FileSystem
	clock       timeutil.Clock
	root        string
	MinInterval time.Duration

	mu      sync.Mutex
	written map[string]time.Time
}

// NewPCDSink returns a sink rooted at root.
func NewPCDSink(fsys fsutil.FileSystem, clock timeutil.Clock, root string, minInterval time.Duration) *PCDSink {
	return &PCDSink{
		fs:          fsys,
		clock:       clock,
		root:        root,
		MinInterval: minInterval,
		written:     make(map[string]time.Time),
	}
}

// Path returns the file topic is written to.
func (s *PCDSink) Path(topic string) string {
	return filepath.Join(s.root, TopicPath(topic)) + ".pcd"
}

// Publish writes c as binary PCD.
func (s *PCDSink) Publish(topic string, c *cloud.Cloud) error {
	now := s.clock.Now()
	s.mu.Lock()
	last, seen := s.written[topic]
	if seen && now.Sub(last) < s.MinInterval {
		s.mu.Unlock()
		return nil
	}
	s.written[topic] = now
	s.mu.Unlock()

	path := s.Path(topic)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	w, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := cloud.WritePCD(w, c, cloud.PCDBinary); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return w.Close()
}

// Latest keeps the newest frame per topic for read-side consumers such as the
// monitor's cloud page.
type Latest struct {
	mu     sync.RWMutex
	clouds map[string]*cloud.Cloud
}

// NewLatest returns an empty cache.
func NewLatest() *Latest {
	return &Latest{clouds: make(map[string]*cloud.Cloud)}
}

// Publish replaces the cached frame for topic.
func (l *Latest) Publish(topic string, c *cloud.Cloud) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clouds[topic] = c
	return nil
}

// Get returns the cached frame for topic.
func (l *Latest) Get(topic string) (*cloud.Cloud, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.clouds[topic]
	return c, ok
}

// Topics returns the cached topics, sorted.
func (l *Latest) Topics() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.clouds))
	for t := range l.clouds {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
