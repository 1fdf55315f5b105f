//go:build !unix

package spawner

import "os"

// isAlive on non-unix platforms falls back to os.FindProcess, which
// always succeeds on Windows whether or not the process exists; the
// caller's periodic reaping still recovers accurate state once the
// child's exec.Cmd.Wait() goroutine reports an exit.
func isAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
