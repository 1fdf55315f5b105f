package scans

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/collab"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/session"
)

// CostScan consults a cost tracker per active claimed task, emitting a
// soft cost_warning or a hard cost_exceeded. Default interval 60s.
type CostScan struct {
	Registry     *session.Registry
	Bus          *bus.Bus
	Budget       collab.BudgetChecker
	SoftPct      float64 // warn when remaining drops at/below this
	HardPct      float64 // exceeded when remaining drops at/below this
	IntervalDur  time.Duration
}

func (s *CostScan) Kind() string           { return "cost" }
func (s *CostScan) Interval() time.Duration { return withDefault(s.IntervalDur, 60*time.Second) }

func (s *CostScan) Run(ctx context.Context) ([]scan.Result, error) {
	active, err := s.Registry.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("cost scan: active sessions: %w", err)
	}

	var results []scan.Result
	for _, sess := range active {
		if sess.ClaimedTaskID == "" {
			continue
		}
		remaining, err := s.Budget.RemainingPct(ctx, sess.ClaimedTaskID)
		if err != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("cost check failed for %s: %v", sess.ClaimedTaskID, err)})
			continue
		}

		topic, priority := "", bus.PriorityNormal
		switch {
		case remaining <= s.HardPct:
			topic, priority = "cost_exceeded", bus.PriorityUrgent
		case remaining <= s.SoftPct:
			topic, priority = "cost_warning", bus.PriorityHigh
		default:
			continue
		}

		_, pubErr := s.Bus.Publish(bus.PublishInput{
			Type: bus.TypeNotify, From: bus.ToPM, To: sess.ID, Topic: topic, Priority: priority,
			Payload: map[string]any{"task_id": sess.ClaimedTaskID, "remaining_pct": remaining},
		})
		if pubErr != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: topic + " publish failed: " + pubErr.Error()})
			continue
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("%s for task %s: %.1f%% budget remaining", topic, sess.ClaimedTaskID, remaining),
			Detail:  map[string]any{"task_id": sess.ClaimedTaskID, "remaining_pct": remaining},
		})
	}
	return results, nil
}
