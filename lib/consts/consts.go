// Package consts houses the version information of pagesync.
package consts

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version contains the current semantic version of pagesync.
const Version = "0.4.0"

// VersionDetails returns the version, the VCS revision and the runtime the
// binary was built with.
func VersionDetails() map[string]string {
	details := map[string]string{
		"version":    "v" + Version,
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return details
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit := s.Value
			if len(commit) > 10 {
				commit = commit[:10]
			}
			details["commit"] = commit
		case "vcs.modified":
			if s.Value == "true" {
				details["commit_dirty"] = "true"
			}
		}
	}
	return details
}

// FullVersion returns the version with the commit and the runtime, e.g.
// "0.4.0 (commit/0123456789-dirty, go1.22.3, linux/amd64)".
func FullVersion() string {
	d := VersionDetails()
	parts := make([]string, 0, 3)
	if commit, ok := d["commit"]; ok {
		if d["commit_dirty"] == "true" {
			commit += "-dirty"
		}
		parts = append(parts, "commit/"+commit)
	}
	parts = append(parts, d["go_version"], d["go_os"]+"/"+d["go_arch"])
	return fmt.Sprintf("%s (%s)", Version, strings.Join(parts, ", "))
}
