//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the subordinate in its own process group so a
// forced kill also reaches anything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
