// Package version reports what build of the fusion gateway is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X aifusion/internal/version.Version=...". When they are
// left at their defaults the VCS stamp of the Go toolchain is used instead.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitTag    = ""
	BuildDate = "unknown"
	GitDirty  = ""
)

const shortCommitLen = 7

// BuildInfo is the build description served by gateway_info, /health and
// `fusion version`.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitTag    string `json:"git_tag"`
	GitDirty  bool   `json:"git_dirty"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetBuildInfo merges the ldflags values with the toolchain's VCS settings.
func GetBuildInfo() BuildInfo {
	b := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GitTag:    GitTag,
		GitDirty:  GitDirty == "true",
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = withVCS(b, info.Settings)
	}
	if b.GitTag != "" && b.GitTag != "unknown" {
		b.Version = b.GitTag
	}
	if b.GitDirty && !strings.HasSuffix(b.Version, "-dirty") {
		b.Version += "-dirty"
	}
	return b
}

func withVCS(b BuildInfo, settings []debug.BuildSetting) BuildInfo {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.GitCommit == "unknown" || b.GitCommit == "" {
				b.GitCommit = s.Value
			}
		case "vcs.time":
			if b.BuildDate == "unknown" {
				b.BuildDate = s.Value
			}
		case "vcs.modified":
			if GitDirty == "" {
				b.GitDirty = s.Value == "true"
			}
		}
	}
	return b
}

// ShortCommit is the abbreviated commit, or "" when none is known.
func (b BuildInfo) ShortCommit() string {
	if b.GitCommit == "unknown" {
		return ""
	}
	if len(b.GitCommit) > shortCommitLen {
		return b.GitCommit[:shortCommitLen]
	}
	return b.GitCommit
}

// String renders "v1.2.0 (abc1234)".
func (b BuildInfo) String() string {
	commit := b.ShortCommit()
	if commit == "" || strings.Contains(b.Version, commit) {
		return b.Version
	}
	return fmt.Sprintf("%s (%s)", b.Version, commit)
}

// Info is the version label alone.
func Info() string {
	return GetBuildInfo().Version
}

// Full is the version label with the short commit.
func Full() string {
	return GetBuildInfo().String()
}

// UserAgent identifies the gateway to the aggregator API.
func UserAgent() string {
	return "aifusion/" + Info()
}
