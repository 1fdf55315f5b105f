package scans

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/session"
	"github.com/codeready-toolchain/pilotd/pkg/taskgateway"
)

// DailySnapshot is the persisted daily analytics rollup, one file per
// calendar day under state/analytics/.
type DailySnapshot struct {
	Date            string `json:"date"` // YYYY-MM-DD
	TasksCompleted  int    `json:"tasks_completed"`
	TasksFailed     int    `json:"tasks_failed"`
	AgentsSpawned   int    `json:"agents_spawned"`
	EscalationCount int    `json:"escalation_count"`
	PeakConcurrent  int    `json:"peak_concurrent_sessions"`
	OpenTasks       int    `json:"open_tasks"`
}

// AnalyticsScan rolls counters accumulated over the day into a snapshot
// file and flags when a single role accounts for a disproportionate share
// of active sessions, a crude stand-in for bottleneck detection. Default
// interval 300s (5 min); the snapshot itself is keyed by calendar day, not
// by tick, so running more or less often only changes how fresh the
// in-progress day's file is.
type AnalyticsScan struct {
	Registry    *session.Registry
	Bus         *bus.Bus
	ProjectRoot string
	IntervalDur time.Duration

	// Gateway, if set, supplies an authoritative open-task count via
	// List rather than leaving the snapshot limited to locally-derived
	// counters; nil omits open_tasks from the snapshot.
	Gateway taskgateway.Gateway

	// Counters populated by the loop's state-delta mechanism; Run reads
	// them as provided rather than re-deriving from other scans' output.
	TasksCompleted  func() int
	TasksFailed     func() int
	AgentsSpawned   func() int
	EscalationCount func() int
}

func (s *AnalyticsScan) Kind() string           { return "analytics" }
func (s *AnalyticsScan) Interval() time.Duration { return withDefault(s.IntervalDur, 300*time.Second) }

func (s *AnalyticsScan) snapshotPath(date string) string {
	return filepath.Join(s.ProjectRoot, "state", "analytics", date+".json")
}

func (s *AnalyticsScan) Run(ctx context.Context) ([]scan.Result, error) {
	active, err := s.Registry.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("analytics scan: active sessions: %w", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	var snap DailySnapshot
	fsstore.ReadJSON(s.snapshotPath(date), &snap)
	snap.Date = date
	snap.TasksCompleted = callOrZero(s.TasksCompleted)
	snap.TasksFailed = callOrZero(s.TasksFailed)
	snap.AgentsSpawned = callOrZero(s.AgentsSpawned)
	snap.EscalationCount = callOrZero(s.EscalationCount)
	if len(active) > snap.PeakConcurrent {
		snap.PeakConcurrent = len(active)
	}
	if s.Gateway != nil {
		open, err := s.Gateway.List(ctx, taskgateway.Filter{Status: "open"})
		if err != nil {
			return nil, fmt.Errorf("analytics scan: list open tasks: %w", err)
		}
		snap.OpenTasks = len(open)
	}

	if err := fsstore.WriteJSON(s.snapshotPath(date), snap); err != nil {
		return nil, fmt.Errorf("analytics scan: write snapshot: %w", err)
	}

	results := []scan.Result{{
		Class:   scan.ClassMechanical,
		Summary: fmt.Sprintf("analytics snapshot %s: %d completed, %d failed, %d active", date, snap.TasksCompleted, snap.TasksFailed, len(active)),
		Detail:  map[string]any{"date": date, "snapshot": snap},
	}}

	roleCounts := map[string]int{}
	for _, sess := range active {
		roleCounts[sess.Role]++
	}
	for role, count := range roleCounts {
		if len(active) >= 4 && count*2 > len(active) {
			_, pubErr := s.Bus.Publish(bus.PublishInput{
				Type: bus.TypeNotify, From: bus.ToPM, To: bus.ToBroadcast, Topic: "bottleneck_detected", Priority: bus.PriorityNormal,
				Payload: map[string]any{"role": role, "count": count, "active_total": len(active)},
			})
			if pubErr == nil {
				results = append(results, scan.Result{
					Class:   scan.ClassJudgment,
					Summary: fmt.Sprintf("role %q holds %d/%d active sessions, possible bottleneck", role, count, len(active)),
					Detail:  map[string]any{"role": role, "count": count},
				})
			}
		}
	}
	return results, nil
}

func callOrZero(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}
