// Package spawner launches agent subprocesses, tracks them in a
// pid-keyed table persisted to state/orchestrator/spawned.json, and
// enforces the wall-clock timeout, spawn cooldown, and concurrency cap
// the orchestrator requires. It never retries a failed or killed agent
// on its own; that decision belongs to the escalation engine.
package spawner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/session"
)

// Entry is one tracked spawned child, the orchestrator's view of a
// running or recently-exited agent process.
type Entry struct {
	PID         int        `json:"pid"`
	TaskID      string     `json:"task_id"`
	Role        string     `json:"role"`
	SpawnedAt   time.Time  `json:"spawned_at"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	ExitSignal  string     `json:"exit_signal,omitempty"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	LastStderr  string     `json:"last_stderr,omitempty"`
	timeoutSent bool
}

// maxStderrBytes bounds the tail of stderr kept in an entry.
const maxStderrBytes = 4096

// SpawnInput describes one agent to launch.
type SpawnInput struct {
	TaskID  string
	Role    string // defaults to "worker"
	BinPath string
	// Capsule is the rendered context-capsule prompt; when set it is
	// written to the child's stdin so a restored/recovered agent can
	// read its starting context without a CLI flag round-trip.
	Capsule string
	// Env appends to the inherited environment (PILOT_DAEMON_SPAWNED,
	// PILOT_TASK_HINT are always set by Spawn itself).
	Env []string
}

// Config bounds spawner behavior; all fields have sane zero-value defaults.
type Config struct {
	Timeout       time.Duration // wall-clock timeout per agent, default 10m
	GracePeriod   time.Duration // SIGTERM -> SIGKILL grace, default 15s
	Cooldown      time.Duration // min spacing between spawns, default 10s
	ReapAfter     time.Duration // exited entries kept this long, default 30s
	MaxAgents     int           // total including PM; 0 disables the cap
	LogDir        string        // defaults to <projectRoot>/logs/agents
	LogMaxBytes   int64         // size-based rotation threshold, default 1MiB
	LogRetention  int           // rotated files kept, default 2 (.1, .2)
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Minute
}

func (c Config) grace() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return 15 * time.Second
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return 10 * time.Second
}

func (c Config) reapAfter() time.Duration {
	if c.ReapAfter > 0 {
		return c.ReapAfter
	}
	return 30 * time.Second
}

func (c Config) logMaxBytes() int64 {
	if c.LogMaxBytes > 0 {
		return c.LogMaxBytes
	}
	return 1 << 20
}

func (c Config) logRetention() int {
	if c.LogRetention > 0 {
		return c.LogRetention
	}
	return 2
}

// Spawner launches and supervises agent child processes for one project root.
type Spawner struct {
	projectRoot string
	registry    *session.Registry
	cfg         Config

	mu         sync.Mutex
	entries    map[int]*Entry
	lastSpawn  time.Time
}

// New returns a Spawner rooted at projectRoot, consulting registry for
// the concurrency cap (active non-PM session count).
func New(projectRoot string, registry *session.Registry, cfg Config) *Spawner {
	return &Spawner{
		projectRoot: projectRoot,
		registry:    registry,
		cfg:         cfg,
		entries:     map[int]*Entry{},
	}
}

func (s *Spawner) tablePath() string {
	return filepath.Join(s.projectRoot, "state", "orchestrator", "spawned.json")
}

func (s *Spawner) logDir() string {
	if s.cfg.LogDir != "" {
		return s.cfg.LogDir
	}
	return filepath.Join(s.projectRoot, "logs", "agents")
}

// ErrCooldown is returned when Spawn is called before the global cooldown
// window since the last spawn has elapsed.
var ErrCooldown = fmt.Errorf("spawner: cooldown active")

// ErrConcurrencyCap is returned when the active non-PM session count
// already meets max_agents-1.
var ErrConcurrencyCap = fmt.Errorf("spawner: concurrency cap reached")

// Spawn launches a detached child for in, returning its tracked Entry.
// It enforces the spawn cooldown and concurrency cap before doing any
// process work, and persists the updated table before returning.
func (s *Spawner) Spawn(ctx context.Context, in SpawnInput) (*Entry, error) {
	s.mu.Lock()
	if !s.lastSpawn.IsZero() && time.Since(s.lastSpawn) < s.cfg.cooldown() {
		s.mu.Unlock()
		return nil, ErrCooldown
	}
	s.mu.Unlock()

	if s.cfg.MaxAgents > 0 && s.registry != nil {
		active, err := s.registry.ActiveSessions()
		if err != nil {
			return nil, fmt.Errorf("spawner: active sessions: %w", err)
		}
		nonPM := 0
		for _, sess := range active {
			if sess.Role != "pm" {
				nonPM++
			}
		}
		if nonPM >= s.cfg.MaxAgents-1 {
			return nil, ErrConcurrencyCap
		}
	}

	role := in.Role
	if role == "" {
		role = "worker"
	}

	logPath, err := s.rotateAndOpenLog(in.TaskID)
	if err != nil {
		return nil, fmt.Errorf("spawner: open log: %w", err)
	}
	defer logPath.Close()

	tail := &stderrTail{}
	cmd := exec.Command(in.BinPath)
	cmd.Env = append(os.Environ(), in.Env...)
	cmd.Env = append(cmd.Env, "PILOT_DAEMON_SPAWNED=1", "PILOT_TASK_HINT="+in.TaskID)
	cmd.Stdout = logPath
	cmd.Stderr = io.MultiWriter(logPath, tail)
	if in.Capsule != "" {
		cmd.Stdin = stdinReader(in.Capsule)
	}
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawner: start %s: %w", in.BinPath, err)
	}

	entry := &Entry{
		PID:       cmd.Process.Pid,
		TaskID:    in.TaskID,
		Role:      role,
		SpawnedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.entries[entry.PID] = entry
	s.lastSpawn = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawner: persist table: %w", err)
	}
	s.mu.Unlock()

	go s.await(cmd, entry, tail)

	return entry, nil
}

// await blocks on the child's exit (in its own goroutine, one per spawn)
// and records the outcome into the tracked entry.
func (s *Spawner) await(cmd *exec.Cmd, entry *Entry, tail *stderrTail) {
	err := cmd.Wait()
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entry.PID]
	if !ok {
		return
	}
	e.ExitedAt = &now
	e.LastStderr = tail.String()
	code, sig := exitDetails(err)
	if e.timeoutSent {
		code = -2
	}
	if e.ExitCode == nil || *e.ExitCode != -2 {
		e.ExitCode = &code
		e.ExitSignal = sig
	}
	_ = s.persistLocked()
}

// CountAlive reports how many tracked entries currently respond to a
// signal-0 liveness probe, reconciling any discovered deaths into the
// table with exit_code=-1.
func (s *Spawner) CountAlive() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := 0
	changed := false
	now := time.Now().UTC()
	for _, e := range s.entries {
		if e.ExitedAt != nil {
			continue
		}
		if isAlive(e.PID) {
			alive++
			continue
		}
		code := -1
		e.ExitCode = &code
		e.ExitedAt = &now
		changed = true
	}
	if changed {
		if err := s.persistLocked(); err != nil {
			return alive, err
		}
	}
	return alive, nil
}

// CheckTimeouts sends SIGTERM to any entry whose wall-clock timeout has
// elapsed (once), and SIGKILL to any entry already sent SIGTERM more
// than the grace period ago and still alive. Killed entries transition
// to exit_code=-2 once the kill is observed to have taken effect.
func (s *Spawner) CheckTimeouts(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, e := range s.entries {
		if e.ExitedAt != nil {
			continue
		}
		age := now.Sub(e.SpawnedAt)
		switch {
		case !e.timeoutSent && age >= s.cfg.timeout():
			_ = signalPID(e.PID, syscall.SIGTERM)
			e.timeoutSent = true
			changed = true
		case e.timeoutSent && age >= s.cfg.timeout()+s.cfg.grace():
			if isAlive(e.PID) {
				_ = signalPID(e.PID, syscall.SIGKILL)
			}
			code := -2
			e.ExitCode = &code
			e.ExitedAt = &now
			changed = true
		}
	}
	if changed {
		return s.persistLocked()
	}
	return nil
}

// Reap removes entries that exited more than the configured ReapAfter
// ago, keeping the table bounded to in-flight and recently-finished work.
func (s *Spawner) Reap(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for pid, e := range s.entries {
		if e.ExitedAt == nil {
			continue
		}
		if now.Sub(*e.ExitedAt) >= s.cfg.reapAfter() {
			delete(s.entries, pid)
			changed = true
		}
	}
	if changed {
		return s.persistLocked()
	}
	return nil
}

// Entries returns a snapshot of all tracked entries.
func (s *Spawner) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

func (s *Spawner) persistLocked() error {
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return fsstore.WriteJSON(s.tablePath(), out)
}

// Load repopulates the table from the on-disk snapshot, for daemon
// restart recovery: the pids it finds are re-probed by the next
// CountAlive/Reap call rather than trusted blindly.
func (s *Spawner) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored []*Entry
	ok, err := fsstore.ReadJSON(s.tablePath(), &stored)
	if err != nil {
		return fmt.Errorf("spawner: load table: %w", err)
	}
	if !ok {
		return nil
	}
	s.entries = make(map[int]*Entry, len(stored))
	for _, e := range stored {
		s.entries[e.PID] = e
	}
	return nil
}

func exitDetails(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1, ""
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return -1, status.Signal().String()
		}
		return status.ExitStatus(), ""
	}
	return exitErr.ExitCode(), ""
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

func stdinReader(capsule string) *os.File {
	r, w, err := os.Pipe()
	if err != nil {
		return nil
	}
	go func() {
		defer w.Close()
		bw := bufio.NewWriter(w)
		_, _ = bw.WriteString(capsule)
		_ = bw.Flush()
	}()
	return r
}
