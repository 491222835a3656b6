// Package version carries build-time identification for the evolu
// binary, set via ldflags at release build time.
package version

import (
	"fmt"
	"runtime"
)

// Build information. Set at build time via ldflags.
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the version/build/platform summary returned by Get.
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information.
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders a human-readable version line.
func (i Info) String() string {
	if i.Version != "dev" {
		return fmt.Sprintf("evolu %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("evolu dev (commit %s, built %s)", i.CommitHash, i.BuildTime)
}
