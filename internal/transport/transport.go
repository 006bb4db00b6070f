// Package transport moves point-cloud frames between sensors and the calibration
// loop. Sources deliver raw frames keyed by topic; publishers receive the
// calibrated frames on OutputTopic(topic).
package transport

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
)

// OutputSuffix is appended to a sensor topic to name its calibrated stream.
const OutputSuffix = "/calibrated"

// OutputTopic returns the topic calibrated frames of topic are published on.
func OutputTopic(topic string) string {
	return topic + OutputSuffix
}

// Source delivers raw frames.
type Source interface {
	// Poll returns the frames that arrived since the previous call. It waits at
	// most maxWait for the first frame and returns an empty slice on timeout.
	Poll(ctx context.Context, maxWait time.Duration) ([]*cloud.Cloud, error)
}

// Publisher accepts calibrated frames. Implementations must not retain c past
// the call unless they copy it or treat it as read-only.
type Publisher interface {
	Publish(topic string, c *cloud.Cloud) error
}

// Transport is a Source paired with a Publisher.
type Transport interface {
	Source
	Publisher
}

type joined struct {
	Source
	Publisher
}

// Join pairs src and pub into a Transport.
func Join(src Source, pub Publisher) Transport {
	return joined{Source: src, Publisher: pub}
}

// Fanout publishes every frame to each publisher in order.
type Fanout []Publisher

// Publish forwards to every publisher and joins their errors.
func (f Fanout) Publish(topic string, c *cloud.Cloud) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(topic, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TopicPath maps a topic to a relative filesystem path: "/lidar/left" becomes
// "lidar/left".
func TopicPath(topic string) string {
	return filepath.FromSlash(strings.Trim(topic, "/"))
}
