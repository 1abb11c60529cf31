// Package version carries build metadata injected with -ldflags.
package version

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a formatted version string
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

// UserAgent is the User-Agent header value sent to upstream model and
// embedding providers.
func UserAgent() string {
	return "coach/" + Version
}
