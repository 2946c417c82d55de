// Package version carries build metadata stamped in with ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/calldesk/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/calldesk/internal/version.Commit=abc123
//	  -X github.com/soyeahso/calldesk/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("calldesk %s (commit: %s, built: %s, %s/%s)",
		Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies calldesk to remote services.
func UserAgent() string {
	return "calldesk/" + Version
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
