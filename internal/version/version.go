package version

import (
	"fmt"
	"runtime/debug"
)

// Set at build time via ldflags, e.g.
//
//	go build -ldflags="-X github.com/OpenTraceLab/OpenTraceProbe/internal/version.Version=v0.3.0"
var (
	Version = ""
	Commit  = ""
)

func init() {
	if Version != "" && Commit != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && Commit == "" {
			rev := setting.Value
			if len(rev) > 7 {
				rev = rev[:7]
			}
			Commit = rev
		}
	}
	if Version == "" {
		Version = "dev"
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

// Full returns the version string including the commit hash.
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}
