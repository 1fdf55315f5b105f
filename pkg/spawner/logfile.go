package spawner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// rotateAndOpenLog rotates the per-task log file if it exceeds the
// configured size threshold, then opens (creating) it for append. One
// file per task id, with path-segment sanitisation so a hostile task id
// cannot escape the logs directory.
func (s *Spawner) rotateAndOpenLog(taskID string) (*os.File, error) {
	if err := fsstore.EnsureDir(s.logDir()); err != nil {
		return nil, err
	}
	path := filepath.Join(s.logDir(), sanitizeLogName(taskID)+".log")

	if info, err := os.Stat(path); err == nil && info.Size() >= s.cfg.logMaxBytes() {
		if err := rotateLog(path, s.cfg.logRetention()); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// rotateLog renames path -> path.1, path.1 -> path.2, ... up to
// retention, discarding anything beyond it.
func rotateLog(path string, retention int) error {
	oldest := fmt.Sprintf("%s.%d", path, retention)
	_ = os.Remove(oldest)
	for i := retention - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".1"); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeLogName(taskID string) string {
	out := make([]rune, 0, len(taskID))
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

// stderrTail is an io.Writer that keeps only the last maxStderrBytes
// written to it, for the tracked entry's bounded last_stderr field.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > maxStderrBytes {
		t.buf = t.buf[len(t.buf)-maxStderrBytes:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ io.Writer = (*stderrTail)(nil)
