// Package version exposes build metadata set at link time.
package version

import (
	"os"
	"path/filepath"
	"runtime"
)

///////////////////////////////////////////////////////////////////////////////
// GLOBALS

// Set at build time with -ldflags
var (
	GitSource   string
	GitTag      string
	GitBranch   string
	GitHash     string
	GoBuildTime string
)

///////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// ExecName returns the name of the running executable.
func ExecName() string {
	exec, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Base(exec)
}

// Version returns the most specific version identifier available.
func Version() string {
	if GitTag != "" {
		return GitTag
	}
	if GitHash != "" {
		return GitHash
	}
	return "dev"
}

// Compiler returns the Go runtime version used to build the executable.
func Compiler() string {
	return runtime.Version()
}
