package loopstate

import (
	"errors"
	"fmt"
	"syscall"
)

// IsPIDAlive probes a process with signal 0. EPERM still means the process
// exists, just owned by someone else.
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// KillPID force-terminates a process with SIGKILL.
func KillPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed killing pid %d: %w", pid, err)
	}
	return nil
}
