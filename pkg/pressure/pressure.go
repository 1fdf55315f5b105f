// Package pressure tracks, per session, a coarse monotonic proxy for
// context-window occupancy: a running count of tool calls and an
// estimate of output bytes produced. The percentage derived from it is
// never a ground-truth token count (see GLOSSARY: Pressure) — if a real
// token counter becomes available later, only this package's constants
// need to change, per the externalized-threshold decision in DESIGN.md.
package pressure

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// EstimatedContextBytes is the fixed denominator used to derive
// pct_estimate. Approximately 800 KiB, matching the constant named in
// the data model.
const EstimatedContextBytes = 800 * 1024

// State is the per-session pressure record, persisted alongside the
// session file as <session-id>.pressure.json.
type State struct {
	ToolCallCount       int       `json:"tool_call_count"`
	EstimatedOutputBytes int64    `json:"estimated_output_bytes"`
	LastNudgeAt         time.Time `json:"last_nudge_at,omitempty"`
	LastNudgePct        int       `json:"last_nudge_pct"`
}

// PctEstimate returns min(100, round(bytes/EstimatedContextBytes*100)).
func (s State) PctEstimate() int {
	pct := int((float64(s.EstimatedOutputBytes)/float64(EstimatedContextBytes))*100 + 0.5)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Tracker manages pressure state files under <projectRoot>/state/sessions.
type Tracker struct {
	dir string
	mu  sync.Mutex
}

// New returns a Tracker rooted at <projectRoot>/state/sessions.
func New(projectRoot string) *Tracker {
	return &Tracker{dir: filepath.Join(projectRoot, "state", "sessions")}
}

func (t *Tracker) path(session string) string {
	return filepath.Join(t.dir, session+".pressure.json")
}

// RecordToolCall increments the tool-call counter and adds outputBytes
// to the running estimate for session.
func (t *Tracker) RecordToolCall(session string, outputBytes int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.readLocked(session)
	if err != nil {
		return err
	}
	s.ToolCallCount++
	s.EstimatedOutputBytes += outputBytes
	return fsstore.WriteJSON(t.path(session), s)
}

// CheckAndNudge returns (shouldNudge, state). A nudge fires once per
// crossing of thresholdPct, and re-fires only after the pressure climbs
// a further 10 percentage points past the last nudge, preventing nudge
// spam while preserving escalation.
func (t *Tracker) CheckAndNudge(session string, thresholdPct int) (bool, State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.readLocked(session)
	if err != nil {
		return false, State{}, err
	}
	pct := s.PctEstimate()
	if pct < thresholdPct {
		return false, s, nil
	}

	shouldNudge := s.LastNudgeAt.IsZero() || pct >= s.LastNudgePct+10
	if shouldNudge {
		s.LastNudgeAt = time.Now().UTC()
		s.LastNudgePct = pct
		if err := fsstore.WriteJSON(t.path(session), s); err != nil {
			return false, s, err
		}
	}
	return shouldNudge, s, nil
}

// Reset clears a session's pressure counters, called after a successful
// checkpoint save.
func (t *Tracker) Reset(session string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fsstore.WriteJSON(t.path(session), State{})
}

// State returns the current pressure state for session without mutating it.
func (t *Tracker) State(session string) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readLocked(session)
}

func (t *Tracker) readLocked(session string) (State, error) {
	var s State
	ok, err := fsstore.ReadJSON(t.path(session), &s)
	if err != nil {
		return State{}, nil // corrupt-state: start fresh rather than fail
	}
	if !ok {
		return State{}, nil
	}
	return s, nil
}
