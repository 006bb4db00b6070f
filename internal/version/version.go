// Package version holds build metadata. The values are stamped at link time:
//
//	go build -ldflags "-X github.com/banshee-data/lidar-extrinsics/internal/version.Version=v0.3.0" ./cmd/lidar-calib
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for logs and the version command.
func String() string {
	return fmt.Sprintf("%s (git %s, built %s)", Version, GitSHA, BuildTime)
}
