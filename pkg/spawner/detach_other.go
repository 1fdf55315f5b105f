//go:build !unix

package spawner

import "os/exec"

// detachProcess is a no-op on platforms without process-group semantics.
func detachProcess(cmd *exec.Cmd) {}
