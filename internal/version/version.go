// Package version holds build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String summarises the build for -version and startup logs.
func String() string {
	return fmt.Sprintf("pulsemeter %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// UserAgent identifies pulsemeter tools talking to a daemon.
func UserAgent() string {
	return "pulsemeter/" + Version
}
