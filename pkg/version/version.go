// Package version holds build metadata, overridden at link time via
// -ldflags "-X .../pkg/version.Version=... -X .../pkg/version.GitCommit=...".
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
)
