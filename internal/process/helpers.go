package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStartup matches every *StartupError via errors.Is.
	ErrStartup = errors.New("subordinate startup failed")
	// ErrExitedEarly is the cause recorded when the subordinate dies inside its grace period.
	ErrExitedEarly = errors.New("process exited during start grace period")
	// ErrKilled is returned by Terminate when the graceful path failed and the process was killed.
	ErrKilled = errors.New("process killed")
)

// StartupError reports a subordinate that could not be launched or that exited
// before the grace period elapsed.
type StartupError struct {
	Path     string
	ExitCode int    // -1 when the process never ran or was killed by a signal
	Stderr   string // captured diagnostic output
	Err      error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "start %s", e.Path)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *StartupError) Unwrap() error { return e.Err }

func (e *StartupError) Is(target error) bool { return target == ErrStartup }

// IsStartupErr reports whether err is a startup failure.
func IsStartupErr(err error) bool { return errors.Is(err, ErrStartup) }
