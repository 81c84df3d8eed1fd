// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("gasmeterd %s (%s) built %s with %s", Version, GitCommit, BuildTime, runtime.Version())
}
