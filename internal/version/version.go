// Package version provides build version information for the application.
// This is a separate package so the CLI and the HTTP user agent can share it
// without an import cycle.
package version

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v1.2.0"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// UserAgent returns the User-Agent header value sent on every request.
func UserAgent() string {
	return "market-publish/" + Version
}
