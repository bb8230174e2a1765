// Package version holds the build information injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the released version, e.g. v1.2.0.
	Version = "v0.0.0-dev"
	// GitCommit is the commit the binary was built from.
	GitCommit = "<unknown>"
)

// String describes the binary for humans.
func String() string {
	return fmt.Sprintf("imagekeeper %s (commit %s, %s %s/%s)", Version, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
