//go:build !windows

package process

import "syscall"

// killProcess sends a signal to a Unix process
func killProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// processExists reports whether pid can be signalled.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
