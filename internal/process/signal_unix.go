//go:build !windows

package process

import (
	"os"
	"syscall"
)

// killGroup sends SIGKILL to the subordinate's process group, falling back to
// the single process when the group is already gone.
func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}
