// Package version carries build metadata, stamped at link time.
package version

import "fmt"

// Set via -ldflags "-X github.com/deskforge/plugkit/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the bare version string.
func Short() string { return Version }

// Info returns a human-readable version line for the CLI.
func Info() string {
	return fmt.Sprintf("plugkit %s (commit %s, built %s)", Version, Commit, Date)
}

// Fields returns version metadata as a map for JSON responses.
func Fields() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}
