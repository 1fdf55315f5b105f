package autoscale

import (
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// Record is the append-only audit entry written for every decision.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason"`
	TargetCount int       `json:"target_count"`
	PoolState   PoolState `json:"pool_state"`
}

// AuditSink appends ScalingDecision records to scaling-history.jsonl.
type AuditSink struct {
	path string
}

// NewAuditSink returns a sink rooted at <projectRoot>/state/orchestrator/scaling-history.jsonl.
func NewAuditSink(projectRoot string) *AuditSink {
	return &AuditSink{path: filepath.Join(projectRoot, "state", "orchestrator", "scaling-history.jsonl")}
}

// Append records a decision for audit.
func (a *AuditSink) Append(decision Decision, state PoolState, now time.Time) error {
	rec := Record{
		Timestamp:   now,
		Action:      decision.Action,
		Reason:      decision.Reason,
		TargetCount: decision.TargetCount,
		PoolState:   state,
	}
	return fsstore.AppendJSONL(a.path, rec)
}
