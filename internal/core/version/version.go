// Package version reports the build stamped into the binaries
package version

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X trafficnorm/internal/core/version.version=v1.4.0 -X ...commit=... -X ...date=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// BuildInfo describes one binary's build
type BuildInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Info returns the build of service. Without ldflags the commit falls back to
// the vcs revision go embeds when building from a checkout
func Info(service string) BuildInfo {
	b := BuildInfo{Service: service, Version: version, Commit: commit, Date: date}
	if b.Commit == "none" {
		if rev := vcsRevision(); rev != "" {
			b.Commit = rev
		}
	}
	return b
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", b.Service, b.Version, b.Commit, b.Date)
}
