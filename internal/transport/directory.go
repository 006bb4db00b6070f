package transport

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/fsutil"
	"github.com/banshee-data/lidar-extrinsics/internal/timeutil"
)

// Directory replays recorded frames as a live source. Frames for topic
// "/lidar/left" are the *.pcd files under <root>/lidar/left, in name order.
// Each Poll delivers the next frame of every topic that still has one.
type Directory struct {
	fs    fsutil.FileSystem
	clock timeutil.Clock
	loop  bool

	topics []string
	files  map[string][]string
	next   map[string]int
}

// NewDirectory indexes the recordings for topics under root. Topics without
// recordings are logged and never delivered. With loop set, replay wraps
// around instead of stopping after the last file.
func NewDirectory(fsys fsutil.FileSystem, clock timeutil.Clock, root string, topics []string, loop bool) (*Directory, error) {
	d := &Directory{
		fs:    fsys,
		clock: clock,
		loop:  loop,
		files: make(map[string][]string, len(topics)),
		next:  make(map[string]int, len(topics)),
	}
	for _, topic := range topics {
		matches, err := fsys.Glob(filepath.Join(root, TopicPath(topic), "*.pcd"))
		if err != nil {
			return nil, fmt.Errorf("indexing %s: %w", topic, err)
		}
		if len(matches) == 0 {
			log.Printf("[transport] no recordings for %s under %s", topic, root)
			continue
		}
		d.topics = append(d.topics, topic)
		d.files[topic] = matches
	}
	return d, nil
}

// Remaining reports how many frames are left to deliver; -1 when looping.
func (d *Directory) Remaining() int {
	if d.loop && len(d.topics) > 0 {
		return -1
	}
	n := 0
	for _, topic := range d.topics {
		n += len(d.files[topic]) - d.next[topic]
	}
	return n
}

// Poll decodes the next frame for each topic. A frame that cannot be read is
// logged and skipped, so its topic simply has no new data this poll. When no
// topic delivers a frame it waits maxWait and returns nothing, like an idle
// sensor.
func (d *Directory) Poll(ctx context.Context, maxWait time.Duration) ([]*cloud.Cloud, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*cloud.Cloud
	for _, topic := range d.topics {
		files := d.files[topic]
		i := d.next[topic]
		if i >= len(files) {
			if !d.loop {
				continue
			}
			i = 0
		}
		d.next[topic] = i + 1

		c, err := d.read(files[i])
		if err != nil {
			log.Printf("[transport] skipping %s frame: %v", topic, err)
			continue
		}
		c.Topic = topic
		c.Stamp = d.clock.Now()
		out = append(out, c)
	}
	if len(out) > 0 {
		return out, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.clock.After(maxWait):
		return nil, nil
	}
}

func (d *Directory) read(path string) (*cloud.Cloud, error) {
	data, err := d.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	c, err := cloud.ReadPCD(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return c, nil
}
