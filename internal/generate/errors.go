package generate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolNotFound means the external script could not be resolved; nothing
// was spawned.
var ErrToolNotFound = errors.New("astscript-color-faint-gray not found; ensure GNU Astronomy Utilities is installed")

// ErrTimeout means the process exceeded the configured wall-clock limit and
// was killed. It is surfaced distinctly from an ordinary failure.
var ErrTimeout = errors.New("generation timed out")

// ErrCancelled means the caller cancelled the request; the process was
// terminated and any partial output discarded.
var ErrCancelled = errors.New("generation cancelled")

// ExecError reports a failed external invocation with its captured
// diagnostics.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("astscript-color-faint-gray failed (exit code %d)", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
