// Package version holds build metadata set with -ldflags at link time.
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

// String formats the build metadata for --version and the debug index.
func String() string {
	return fmt.Sprintf("jointbridge %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
