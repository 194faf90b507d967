// Package version reports the tiermem build. The variables are stamped with
// -ldflags "-X github.com/goclaw/tiermem/pkg/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Current returns the stamped build. An unstamped commit is filled from the
// VCS revision the toolchain embedded, when there is one.
func Current() Build {
	b := Build{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if b.GitCommit == "unknown" {
		if rev := vcsRevision(); rev != "" {
			b.GitCommit = rev
		}
	}
	return b
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

// String is the one-line form printed by `tiermem -version`.
func (b Build) String() string {
	return fmt.Sprintf("tiermem %s (commit %s, built %s, %s %s)",
		b.Version, b.GitCommit, b.BuildTime, b.GoVersion, b.Platform)
}
