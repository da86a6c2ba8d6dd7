// Package version holds build metadata stamped at build time via ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a single-line version string for the -version flag.
func Info() string {
	return fmt.Sprintf("modelwatch %s (commit %s, built %s)", Version, Commit, Date)
}
