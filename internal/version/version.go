// Package version holds build metadata injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/banshee-data/sensorlink/internal/version.Version=1.2.0"
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for --version and the startup log line.
func String() string {
	return fmt.Sprintf("sensorlog %s (%s, built %s)", Version, GitSHA, BuildTime)
}
