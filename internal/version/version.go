// Package version reports build information for sealbox binaries. Release
// builds override Version via ldflags; commit and date come from the VCS
// metadata the Go toolchain stamps into the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the semantic version. Overridden for release builds:
// go build -ldflags "-X github.com/sealbox/sealbox/internal/version.Version=v1.0.0"
var Version = "dev"

// Build is the resolved build metadata for the running binary.
type Build struct {
	Version  string
	Commit   string
	Date     string
	Modified bool
}

// Get resolves the build metadata from the binary's embedded build info.
func Get() Build {
	var settings []debug.BuildSetting
	if info, ok := debug.ReadBuildInfo(); ok {
		settings = info.Settings
	}
	return fromSettings(Version, settings)
}

func fromSettings(version string, settings []debug.BuildSetting) Build {
	b := Build{Version: version, Commit: "unknown", Date: "unknown"}
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			b.Commit = s.Value
		case "vcs.time":
			b.Date = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// String formats the metadata for human consumption. A build from a dirty
// working tree is marked on the commit.
func (b Build) String() string {
	commit := b.Commit
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)",
		b.Version, commit, b.Date, runtime.Version())
}

// Info returns the full version string.
func Info() string {
	return Get().String()
}

// Short returns just the version string.
func Short() string {
	return Version
}
