package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/cordum/stash/core/infra/logging"
)

// Set via -ldflags "-X github.com/cordum/stash/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Current returns the linked build values, filling the commit from VCS
// stamping when ldflags left it unset.
func Current() Build {
	b := Build{Version: Version, Commit: Commit, Date: Date, GoVersion: runtime.Version()}
	if b.Commit != "unknown" {
		return b
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				b.Commit = s.Value
			}
		}
	}
	return b
}

// Info returns a single-line build summary.
func Info() string {
	b := Current()
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// Log writes the build summary under the service name.
func Log(service string) {
	b := Current()
	logging.Info(service, "starting", "version", b.Version, "commit", b.Commit, "date", b.Date, "go", b.GoVersion)
}
