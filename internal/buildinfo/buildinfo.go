// Package buildinfo reports the version of the running binary. Release
// builds stamp the variables with
// -ldflags "-X github.com/zhijianma/copaw/internal/buildinfo.Version=...";
// otherwise the VCS data recorded by the go tool is used when present.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped by the linker.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// vcs reads the revision and commit time embedded by "go build" in a
// checkout. Missing values are returned empty.
func vcs() (revision, modified string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			modified = s.Value
		}
	}
	return revision, modified
}

// Commit returns GitCommit, falling back to the embedded VCS revision
// shortened to twelve characters.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if rev, _ := vcs(); rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		return rev
	}
	return GitCommit
}

// Built returns BuildTime, falling back to the embedded VCS commit time.
func Built() string {
	if BuildTime != "unknown" {
		return BuildTime
	}
	if _, t := vcs(); t != "" {
		return t
	}
	return BuildTime
}

// Info describes the build and the running process.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is a one-line summary for logs and `copaw version`.
func String() string {
	return fmt.Sprintf("CoPaw %s (%s) built %s", Version, Commit(), Built())
}

// UserAgent identifies CoPaw on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("copaw/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
