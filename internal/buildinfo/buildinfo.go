// Package buildinfo exposes the toolhost version and build metadata.
// Release builds stamp the variables below with -ldflags; development
// builds fall back to the VCS details the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped at build time, e.g.
//
//	go build -ldflags "-X github.com/nugget/toolhost/internal/buildinfo.Version=v0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var vcsOnce sync.Once

// fillFromVCS replaces unstamped commit and time values with the
// vcs.revision and vcs.time settings embedded by the toolchain.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && s.Value != "" {
					GitCommit = s.Value
					if len(GitCommit) > 12 {
						GitCommit = GitCommit[:12]
					}
				}
			case "vcs.time":
				if BuildTime == "unknown" && s.Value != "" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// Info returns build and runtime details for the version endpoint and
// the version command.
func Info() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for the startup log.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("toolhost %s (%s) built %s %s/%s", Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
