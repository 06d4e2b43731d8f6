package process

import (
	"io"
	"os/exec"
	"time"
)

// Default supervision timings.
const (
	DefaultStartGrace  = 1500 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
	DefaultStderrLimit = 64 << 10 // bytes of stderr kept for diagnostics
)

// Spec describes the subordinate executable to supervise.
type Spec struct {
	Name        string        `json:"name"`
	Path        string        `json:"path"`         // executable to launch, no shell involved
	Args        []string      `json:"args"`         // optional arguments
	WorkDir     string        `json:"work_dir"`     // optional working dir
	Env         []string      `json:"env"`          // optional env; empty inherits ours
	StartGrace  time.Duration `json:"start_grace"`  // delay before the first liveness check
	StderrLimit int           `json:"stderr_limit"` // size of the captured stderr tail
	// StderrLog receives a copy of everything the subordinate writes to stderr.
	// The Process closes it once the stream is drained.
	StderrLog io.WriteCloser `json:"-"`
}

// BuildCommand constructs the *exec.Cmd described by s without starting it.
func (s *Spec) BuildCommand() *exec.Cmd {
	// ok: the path comes from operator configuration
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}

func (s *Spec) startGrace() time.Duration {
	if s.StartGrace <= 0 {
		return DefaultStartGrace
	}
	return s.StartGrace
}

func (s *Spec) stderrLimit() int {
	if s.StderrLimit <= 0 {
		return DefaultStderrLimit
	}
	return s.StderrLimit
}

func (s *Spec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Path
}
