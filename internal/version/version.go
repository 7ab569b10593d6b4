package version

import "runtime"

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// UserAgent is sent on every provider request.
func UserAgent() string { return "freepik-orchestrator/" + Version }
