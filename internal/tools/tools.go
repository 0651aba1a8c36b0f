// Package tools resolves the external compositing script.
package tools

import (
	"fmt"
	"os/exec"
	"strings"
)

// Status describes whether the external tool can be invoked.
type Status struct {
	Available bool
	Path      string
	Version   string
	Error     error
}

// Resolve checks that the configured tool (a bare name looked up on PATH, or
// an explicit path) exists and is executable.
func Resolve(toolPath string) Status {
	path, err := exec.LookPath(toolPath)
	if err != nil {
		return Status{Available: false, Error: fmt.Errorf(
			"%s not found; ensure GNU Astronomy Utilities is installed: %w", toolPath, err)}
	}
	return Status{Available: true, Path: path}
}

// Probe resolves the tool and additionally asks it for its version string.
func Probe(toolPath string) Status {
	st := Resolve(toolPath)
	if !st.Available {
		return st
	}
	out, err := exec.Command(st.Path, "--version").CombinedOutput()
	if err != nil {
		// Some builds print version info and still exit non-zero.
		if len(out) == 0 {
			st.Error = err
			return st
		}
	}
	st.Version = extractVersion(string(out))
	return st
}

func extractVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return line
	}
	return "unknown"
}
