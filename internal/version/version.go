// Package version provides build-time version information for trackdeck.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/trackdeck/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/trackdeck/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/trackdeck/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "trackdeck"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information. When Commit was not injected,
// the VCS revision recorded by the Go toolchain is used instead.
func GetInfo() Info {
	commit, date := Commit, Date
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					commit = s.Value
				case "vcs.time":
					if date == "unknown" {
						date = s.Value
					}
				}
			}
		}
	}
	return Info{
		Version:   Version,
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// ShortCommit returns the first 8 characters of the commit, or "unknown".
func (i Info) ShortCommit() string {
	if len(i.Commit) >= 8 && i.Commit != "unknown" {
		return i.Commit[:8]
	}
	return i.Commit
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
		ApplicationName, info.Version, info.ShortCommit(), info.Date, info.GoVersion, info.Platform)
}

// Short returns a short version string suitable for --version output.
func Short() string {
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// JSON returns the version information as a JSON document.
func JSON() string {
	b, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
