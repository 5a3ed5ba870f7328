// Package version reports which build of graphsmith is running.
package version

import (
	"runtime/debug"
	"sync"
)

// release is stamped by release builds via
// -ldflags "-X github.com/graphsmith/graphsmith/pkg/version.release=v1.2.3".
// Unstamped builds report the VCS state only.
var release string

var resolve = sync.OnceValue(func() string {
	rev, dirty := "unknown", false
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					rev = s.Value
				}
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
})

// Commit returns the VCS revision compiled into the binary, shortened to 12
// characters, with a -dirty suffix for builds from a modified tree. Builds
// without VCS metadata (go test, source tarballs) report "unknown".
func Commit() string {
	return resolve()
}

// Full renders the identity used in logs and user-agent strings:
// "graphsmith v1.2.3 (abc123def456)", or "graphsmith (abc123def456)" for
// unstamped builds.
func Full() string {
	if release == "" {
		return "graphsmith (" + Commit() + ")"
	}
	return "graphsmith " + release + " (" + Commit() + ")"
}
