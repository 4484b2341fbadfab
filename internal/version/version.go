// Package version holds build metadata injected at link time, e.g.
//
//	go build -ldflags "-X elley/internal/version.Version=v1.0.0 -X elley/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a single-line description of the build.
func Info() string {
	return fmt.Sprintf("elley %s (commit %s, built %s)", Version, Commit, Date)
}
