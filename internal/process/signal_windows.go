//go:build windows

package process

import "os"

// killGroup terminates the subordinate. Windows has no group signal; the
// process handle is terminated directly.
func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
