//go:build !windows

package runs

import (
	"errors"
	"syscall"
)

// ProcessAlive reports whether pid refers to a live process. Signal 0 only
// checks for existence; EPERM means it exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
