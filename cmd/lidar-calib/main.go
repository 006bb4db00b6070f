// Command lidar-calib estimates and tunes the extrinsic transforms of a
// multi-LiDAR rig against a reference sensor.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
