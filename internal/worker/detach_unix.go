//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// detach puts the spawned worker in its own session so it survives the
// parent CLI invocation exiting (spec §4.6: "spawn ... in a detached
// process").
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
