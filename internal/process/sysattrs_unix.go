//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts detached clients in their own session so they
// survive a supervisor restart; others get a process group.
func configureSysProcAttr(cmd *exec.Cmd, spec LaunchSpec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
