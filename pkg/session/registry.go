package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// Sentinel errors returned by Registry operations: package-level
// errors.New values callers compare with errors.Is rather than typed
// assertions.
var (
	ErrClaimHeld    = errors.New("session: task already has a live claim")
	ErrSessionEnded = errors.New("session: session is not active")
)

// EnvSessionID is the environment variable a child agent process reads
// (and PM sets) to propagate its own session identity to hook scripts.
const EnvSessionID = "PILOT_SESSION_ID"

// Registry is the file-backed session store rooted at <projectRoot>/state/sessions.
// Every operation is idempotent on identity: calling heartbeat or release
// twice in a row is harmless — subsequent calls are no-ops.
type Registry struct {
	dir string
	mu  sync.Mutex // serializes read-modify-write on a single session file within this process
}

// NewRegistry returns a Registry rooted at <projectRoot>/state/sessions.
func NewRegistry(projectRoot string) *Registry {
	return &Registry{dir: filepath.Join(projectRoot, "state", "sessions")}
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// GenerateID returns a new sortable session id.
func (r *Registry) GenerateID() string {
	return GenerateID(time.Now())
}

// RecordStart writes a new session file with status=active.
func (r *Registry) RecordStart(id string, pid, parentPID int, role string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:          id,
		PID:         pid,
		ParentPID:   parentPID,
		Role:        role,
		Status:      StatusActive,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if err := fsstore.WriteJSON(r.path(id), s); err != nil {
		return nil, fmt.Errorf("session: record_start %s: %w", id, err)
	}
	return s, nil
}

// Heartbeat updates heartbeat_at. A missing session file is a no-op, per
// the registry's idempotent-on-identity contract.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok, err := r.read(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.HeartbeatAt = time.Now().UTC()
	return r.write(s)
}

// End marks the session terminal and releases any live claim atomically.
func (r *Registry) End(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok, err := r.read(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndedAt = &now
	s.ExitReason = reason
	s.ClaimedTaskID = ""
	s.ClaimedAt = nil
	s.LeaseExpiresAt = nil
	return r.write(s)
}

// MarkCrashed writes status=crashed and releases the claim, for PM's
// stale/dead-session cleanup path (§4.2's one ownership exception).
func (r *Registry) MarkCrashed(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok, err := r.read(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	s.Status = StatusCrashed
	s.EndedAt = &now
	s.ExitReason = reason
	s.ClaimedTaskID = ""
	s.ClaimedAt = nil
	s.LeaseExpiresAt = nil
	return r.write(s)
}

// Claim records a lease on taskID for session id, failing with
// ErrClaimHeld if another live claim on the same task already exists
// anywhere in the registry (checked via ClaimedTaskIDs).
func (r *Registry) Claim(id, taskID string, leaseMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok, err := r.read(id)
	if err != nil {
		return err
	}
	if !ok || s.Status != StatusActive {
		return ErrSessionEnded
	}

	held, err := r.claimedTaskIDsLocked(id)
	if err != nil {
		return err
	}
	if held[taskID] {
		return ErrClaimHeld
	}

	now := time.Now().UTC()
	expires := now.Add(time.Duration(leaseMS) * time.Millisecond)
	s.ClaimedTaskID = taskID
	s.ClaimedAt = &now
	s.LeaseExpiresAt = &expires
	return r.write(s)
}

// Release clears the claim fields on session id. No-op if there was no claim.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok, err := r.read(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.ClaimedTaskID = ""
	s.ClaimedAt = nil
	s.LeaseExpiresAt = nil
	return r.write(s)
}

// Get returns the current on-disk state of session id.
func (r *Registry) Get(id string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(id)
}

// ActiveSessions returns every session currently status=active.
func (r *Registry) ActiveSessions() ([]*Session, error) {
	all, err := r.AllSessionStates()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// AllSessionStates returns every session file's contents, sorted by id
// (which sorts by creation time, since ids are time-prefixed).
func (r *Registry) AllSessionStates() ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", r.dir, err)
	}

	var out []*Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		s, ok, err := r.read(id)
		if err != nil {
			continue // corrupt-state: skip, don't fail the whole listing
		}
		if ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimedTaskIDs returns the set of task ids currently under a live claim,
// optionally excluding one session (used when a session re-validates its
// own claim). A claim is live iff its session is active and the lease has
// not expired.
func (r *Registry) ClaimedTaskIDs(excludeSession string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimedTaskIDsLocked(excludeSession)
}

func (r *Registry) claimedTaskIDsLocked(excludeSession string) (map[string]bool, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", r.dir, err)
	}

	now := time.Now().UTC()
	held := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		if id == excludeSession {
			continue
		}
		s, ok, err := r.read(id)
		if err != nil || !ok {
			continue
		}
		if s.Status == StatusActive && s.HasLiveClaim(now) {
			held[s.ClaimedTaskID] = true
		}
	}
	return held, nil
}

// DuplicateClaim records one task id that ReconcileDuplicateClaims found
// held by more than one live claim, and how it resolved it.
type DuplicateClaim struct {
	TaskID             string
	KeptSessionID      string
	ReleasedSessionIDs []string
}

// ReconcileDuplicateClaims restores the at-most-one-live-claim invariant
// after two processes race to claim the same task: Claim only guards
// against a second claim the local read-modify-write can see, so two
// sessions can still each write a live claim for the same task id in
// the same window. For every task id held by more than one live claim,
// the oldest claim (by ClaimedAt) wins and every newer claim is
// released — the invariant-violation resolution is "log, choose
// oldest, release newer".
func (r *Registry) ReconcileDuplicateClaims() ([]DuplicateClaim, error) {
	all, err := r.AllSessionStates()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	byTask := make(map[string][]*Session)
	for _, s := range all {
		if s.Status == StatusActive && s.HasLiveClaim(now) {
			byTask[s.ClaimedTaskID] = append(byTask[s.ClaimedTaskID], s)
		}
	}

	var out []DuplicateClaim
	for taskID, holders := range byTask {
		if len(holders) < 2 {
			continue
		}
		sort.Slice(holders, func(i, j int) bool {
			return holders[i].ClaimedAt.Before(*holders[j].ClaimedAt)
		})
		dup := DuplicateClaim{TaskID: taskID, KeptSessionID: holders[0].ID}
		for _, newer := range holders[1:] {
			if err := r.Release(newer.ID); err != nil {
				return out, fmt.Errorf("session: reconcile release %s: %w", newer.ID, err)
			}
			dup.ReleasedSessionIDs = append(dup.ReleasedSessionIDs, newer.ID)
		}
		out = append(out, dup)
	}
	return out, nil
}

// ResolveCurrentSession resolves the calling process's own session id, in
// order: the PILOT_SESSION_ID environment variable, then matching
// parent_pid against os.Getppid(), then the most-recently-active session.
func (r *Registry) ResolveCurrentSession() (string, error) {
	if v := os.Getenv(EnvSessionID); v != "" {
		return v, nil
	}

	all, err := r.AllSessionStates()
	if err != nil {
		return "", err
	}

	ppid := os.Getppid()
	for _, s := range all {
		if s.Status == StatusActive && s.ParentPID == ppid {
			return s.ID, nil
		}
	}

	var mostRecent *Session
	for _, s := range all {
		if s.Status != StatusActive {
			continue
		}
		if mostRecent == nil || s.HeartbeatAt.After(mostRecent.HeartbeatAt) {
			mostRecent = s
		}
	}
	if mostRecent != nil {
		return mostRecent.ID, nil
	}
	return "", errors.New("session: no active session to resolve")
}

func (r *Registry) read(id string) (*Session, bool, error) {
	var s Session
	ok, err := fsstore.ReadJSON(r.path(id), &s)
	if err != nil {
		// corrupt-state: log-and-continue is the caller's job; here we
		// surface "no value" so callers don't have to special-case it.
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (r *Registry) write(s *Session) error {
	return fsstore.WriteJSON(r.path(s.ID), s)
}

// StaleAndDead partitions active sessions into stale (heartbeat older
// than staleThreshold) and dead (older than deadThreshold). A session
// that qualifies as dead is excluded from the stale list so a caller
// doesn't double-handle it.
func (r *Registry) StaleAndDead(staleThreshold, deadThreshold time.Duration) (stale, dead []*Session, err error) {
	active, err := r.ActiveSessions()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	for _, s := range active {
		switch {
		case s.IsDead(now, deadThreshold):
			dead = append(dead, s)
		case s.IsStale(now, staleThreshold):
			stale = append(stale, s)
		}
	}
	return stale, dead, nil
}

// ParsePID is a small convenience used by the spawner when reconciling a
// tracked pid string back into an int for signal-0 liveness checks.
func ParsePID(s string) (int, error) {
	return strconv.Atoi(s)
}
