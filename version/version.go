// Package version holds build metadata injected via -ldflags at release time.
package version

import (
	"fmt"
	"runtime"
)

var (
	// GitRelease is the release tag, set at build time.
	GitRelease = "dev"

	// GitCommit is the commit hash, set at build time.
	GitCommit = "unknown"

	// GitCommitDate is the date of the commit, set at build time.
	GitCommitDate = "unknown"

	// GoInfo reports the Go toolchain and platform the binary was built with.
	GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
)
