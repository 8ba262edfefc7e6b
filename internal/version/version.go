// Package version provides build version information for the application.
package version

import "fmt"

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v0.1.0-dev"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// String returns the version with its build time.
func String() string {
	return fmt.Sprintf("%s (built %s)", Version, BuildTime)
}
