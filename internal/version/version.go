package version

import (
	"runtime"
	"strings"
)

// Version is the supervisor version reported to workers. Overridden at build time with -ldflags.
var Version = "0.3.0"

// Runtime returns the Go runtime version without the "go" prefix.
func Runtime() string {
	return strings.TrimPrefix(runtime.Version(), "go")
}
