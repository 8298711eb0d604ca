// Package version reports the build that is running.
package version

import "fmt"

// Set at link time, e.g.
//
//	-ldflags "-X github.com/d9705996/fleetd/internal/version.Version=v0.4.0"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String is the one-line form printed by `fleetd -version`.
func String() string {
	return fmt.Sprintf("fleetd %s (commit %s, built %s)", Version, Commit, Date)
}
