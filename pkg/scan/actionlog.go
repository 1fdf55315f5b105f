package scan

import (
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// ActionLogEntry is one append-only line in action-log.jsonl.
type ActionLogEntry struct {
	TS      time.Time      `json:"ts"`
	Source  string         `json:"source"` // scan kind or "watcher:<action>"
	Class   Class          `json:"class"`
	Summary string         `json:"summary"`
	Detail  map[string]any `json:"detail,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ActionLog appends every scan/handler outcome for audit, PM-owned and
// append-only: one writer per file.
type ActionLog struct {
	path string
}

// NewActionLog returns an ActionLog rooted at
// <projectRoot>/state/orchestrator/action-log.jsonl.
func NewActionLog(projectRoot string) *ActionLog {
	return &ActionLog{path: filepath.Join(projectRoot, "state", "orchestrator", "action-log.jsonl")}
}

// Append records one entry.
func (l *ActionLog) Append(e ActionLogEntry) error {
	return fsstore.AppendJSONL(l.path, e)
}

// HumanEscalationLog appends human-readable entries for anything the
// escalation policy marks human_escalate.
type HumanEscalationLog struct {
	path string
}

// NewHumanEscalationLog returns a log rooted at
// <projectRoot>/state/orchestrator/human-escalations.jsonl.
func NewHumanEscalationLog(projectRoot string) *HumanEscalationLog {
	return &HumanEscalationLog{path: filepath.Join(projectRoot, "state", "orchestrator", "human-escalations.jsonl")}
}

// HumanEscalation is one entry PM could not resolve on its own.
type HumanEscalation struct {
	TS      time.Time `json:"ts"`
	TaskID  string    `json:"task_id,omitempty"`
	Session string    `json:"session_id,omitempty"`
	Reason  string    `json:"reason"`
}

// Append records one human escalation.
func (l *HumanEscalationLog) Append(e HumanEscalation) error {
	return fsstore.AppendJSONL(l.path, e)
}
