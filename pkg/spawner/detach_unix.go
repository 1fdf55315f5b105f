//go:build unix

package spawner

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the child in its own process group so a signal to
// the daemon's group (e.g. an interactive Ctrl-C) does not also reach
// agents mid-task; the spawner alone decides when to signal them.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
