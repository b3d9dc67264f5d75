//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// detach puts the worker in its own process group, so a terminal interrupt
// reaches only the orchestrator and the worker waits for the stop sentinel.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
