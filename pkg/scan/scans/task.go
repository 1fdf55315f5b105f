package scans

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/autoscale"
	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/scan/scheduler"
	"github.com/codeready-toolchain/pilotd/pkg/session"
	"github.com/codeready-toolchain/pilotd/pkg/spawner"
	"github.com/codeready-toolchain/pilotd/pkg/taskgateway"
)

// TaskScan fetches ready tasks, filters out anything already claimed,
// runs the batch scheduler against currently-idle agent sessions, and
// either assigns an idle agent directly (bus event) or consults the
// autoscaler before spawning a new one. Default interval 10s.
type TaskScan struct {
	Gateway     taskgateway.Gateway
	Registry    *session.Registry
	Spawner     *spawner.Spawner
	Bus         *bus.Bus
	BinPath     string
	IntervalDur time.Duration

	// AutoscalePolicy gates whether TaskScan is allowed to spawn new
	// agents this tick; the zero value (Min==Max==0) disables the gate
	// entirely so existing callers/tests keep spawning unconditionally.
	AutoscalePolicy autoscale.Policy
	AutoscaleAudit  *autoscale.AuditSink
	AutoscaleMetric func(action string) // optional: *metrics.Metrics.RecordAutoscaleDecision
	BudgetRemaining func() float64      // 0-100; nil means "unlimited"
	CPUPct          func() float64
	MemPct          func() float64

	mu          sync.Mutex
	lastPending time.Time
}

func (s *TaskScan) autoscaleEnabled() bool {
	return s.AutoscalePolicy.Max > 0
}

func (s *TaskScan) Kind() string           { return "task" }
func (s *TaskScan) Interval() time.Duration { return withDefault(s.IntervalDur, 10*time.Second) }

func (s *TaskScan) Run(ctx context.Context) ([]scan.Result, error) {
	ready, err := s.Gateway.Ready(ctx)
	if err != nil {
		return nil, fmt.Errorf("task scan: ready: %w", err)
	}
	claimed, err := s.Registry.ClaimedTaskIDs("")
	if err != nil {
		return nil, fmt.Errorf("task scan: claimed task ids: %w", err)
	}

	var results []scan.Result
	var schedulable []scheduler.Task
	for _, t := range ready {
		if claimed[t.ID] {
			continue
		}
		if len(t.BlockedBy) > 0 {
			// Ready() is expected to already exclude dependency-blocked
			// tasks, but it can be stale between its own fetch and this
			// tick's scheduling pass; Deps is the authoritative check
			// right before a task is handed to the scheduler.
			deps, err := s.Gateway.Deps(ctx, t.ID)
			if err != nil {
				results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("deps check failed for %s: %v", t.ID, err)})
				continue
			}
			if len(deps.BlockedBy) > 0 {
				continue
			}
		}
		if t.Complexity == "L" {
			// "L" tasks are too large to schedule as a single unit; request
			// decomposition from the external task store via Update instead
			// of scheduling a placeholder that would race the real
			// decomposition. Once the store marks the task as decomposing
			// it drops out of Ready() until replaced by its subtasks.
			if err := s.Gateway.Update(ctx, t.ID, map[string]any{"status": "decomposing"}); err != nil {
				results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("decomposition request failed for %s: %v", t.ID, err)})
			} else {
				results = append(results, scan.Result{
					Class:   scan.ClassJudgment,
					Summary: fmt.Sprintf("requested decomposition for L task %s", t.ID),
					Detail:  map[string]any{"task_id": t.ID},
				})
			}
			continue
		}
		schedulable = append(schedulable, scheduler.Task{
			ID:                 t.ID,
			Priority:           t.Priority,
			CreatedAt:          parseCreatedAt(t.CreatedAt),
			DependencyOpenness: dependencyOpenness(t),
		})
	}

	active, err := s.Registry.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("task scan: active sessions: %w", err)
	}
	var idle []scheduler.Session
	for _, sess := range active {
		if sess.Role == "pm" {
			continue
		}
		idle = append(idle, scheduler.Session{
			SessionID:         sess.ID,
			Role:              sess.Role,
			Idle:              sess.ClaimedTaskID == "",
			BudgetHeadroomPct: 100,
		})
	}

	assignments, unassigned := scheduler.Schedule(schedulable, idle)

	for _, a := range assignments {
		if err := s.Registry.Claim(a.Session.SessionID, a.Task.ID, defaultLeaseMS); err != nil {
			results = append(results, scan.Result{
				Class:   scan.ClassMechanical,
				Summary: fmt.Sprintf("claim failed for %s on %s: %v", a.Task.ID, a.Session.SessionID, err),
			})
			continue
		}
		if err := s.Gateway.Claim(ctx, a.Task.ID, a.Session.SessionID); err != nil {
			results = append(results, scan.Result{
				Class:   scan.ClassMechanical,
				Summary: fmt.Sprintf("task gateway claim failed for %s: %v", a.Task.ID, err),
			})
			continue
		}
		_, pubErr := s.Bus.Publish(bus.PublishInput{
			Type:     bus.TypeNotify,
			From:     bus.ToPM,
			To:       a.Session.SessionID,
			Topic:    "task.assign",
			Priority: bus.PriorityNormal,
			Payload:  map[string]any{"task_id": a.Task.ID, "rationale": a.Rationale},
		})
		if pubErr != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "assign publish failed: " + pubErr.Error()})
			continue
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("assigned %s to existing session %s (%s)", a.Task.ID, a.Session.SessionID, a.Rationale),
			Detail:  map[string]any{"task_id": a.Task.ID, "session_id": a.Session.SessionID, "score": a.Score},
		})
	}

	allowSpawn := s.evaluateAutoscale(ctx, len(idle), len(unassigned))

	for _, u := range unassigned {
		if s.Spawner == nil {
			continue
		}
		if !allowSpawn {
			results = append(results, scan.Result{
				Class:   scan.ClassMechanical,
				Summary: fmt.Sprintf("spawn held by autoscaler for %s", u.Task.ID),
			})
			continue
		}
		entry, err := s.Spawner.Spawn(ctx, spawner.SpawnInput{TaskID: u.Task.ID, BinPath: s.BinPath})
		if err != nil {
			results = append(results, scan.Result{
				Class:   scan.ClassMechanical,
				Summary: fmt.Sprintf("spawn deferred for %s: %v", u.Task.ID, err),
			})
			continue
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("spawned agent pid %d for task %s", entry.PID, u.Task.ID),
			Detail:  map[string]any{"task_id": u.Task.ID, "pid": entry.PID, "state_delta": map[string]int{"agents_spawned": 1}},
		})
	}
	return results, nil
}

// evaluateAutoscale asks pkg/autoscale whether spawning is currently
// warranted, records the decision to the audit log, and returns whether
// TaskScan may spawn this tick. When AutoscalePolicy is unset the gate is
// a no-op (always allow), matching the pre-autoscaler behavior.
func (s *TaskScan) evaluateAutoscale(ctx context.Context, idleCount, pendingCount int) bool {
	if !s.autoscaleEnabled() {
		return true
	}

	budget := 100.0
	if s.BudgetRemaining != nil {
		budget = s.BudgetRemaining()
	}
	cpu, mem := 0.0, 0.0
	if s.CPUPct != nil {
		cpu = s.CPUPct()
	}
	if s.MemPct != nil {
		mem = s.MemPct()
	}

	active, err := s.Registry.ActiveSessions()
	activeCount := 0
	if err == nil {
		for _, sess := range active {
			if sess.Role != "pm" {
				activeCount++
			}
		}
	}

	state := autoscale.PoolState{
		Active:             activeCount,
		Idle:               idleCount,
		PendingReady:       pendingCount,
		BudgetRemainingPct: budget,
		CPUPct:             cpu,
		MemPct:             mem,
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if pendingCount > 0 {
		s.lastPending = now
	}
	hist := autoscale.History{LastPendingAt: s.lastPending}
	s.mu.Unlock()

	decision := autoscale.Evaluate(state, s.AutoscalePolicy, hist, now)
	if s.AutoscaleAudit != nil {
		_ = s.AutoscaleAudit.Append(decision, state, now)
	}
	if s.AutoscaleMetric != nil {
		s.AutoscaleMetric(string(decision.Action))
	}
	return decision.Action == autoscale.ActionScaleUp
}

const defaultLeaseMS = int64(30 * time.Minute / time.Millisecond)

func dependencyOpenness(t taskgateway.Task) float64 {
	if len(t.BlockedBy) == 0 {
		return 1
	}
	return 0
}

func parseCreatedAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
