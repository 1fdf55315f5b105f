package scans

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
)

// OvernightScan checks the single active overnight run (if any) against
// completion and its error budget, ending the run and generating its
// terminal report as soon as either condition is met. Default interval 60s.
type OvernightScan struct {
	Manager     *overnight.Manager
	Bus         *bus.Bus
	IntervalDur time.Duration
}

func (s *OvernightScan) Kind() string           { return "overnight" }
func (s *OvernightScan) Interval() time.Duration { return withDefault(s.IntervalDur, 60*time.Second) }

func (s *OvernightScan) Run(ctx context.Context) ([]scan.Result, error) {
	run, ok, err := s.Manager.Active()
	if err != nil {
		return nil, fmt.Errorf("overnight scan: active: %w", err)
	}
	if !ok {
		return nil, nil
	}

	status, reason := s.decide(run)
	if status == "" {
		return nil, nil
	}

	ended, err := s.Manager.End(run.RunID, status)
	if err != nil {
		return nil, fmt.Errorf("overnight scan: end %s: %w", run.RunID, err)
	}

	_, pubErr := s.Bus.Publish(bus.PublishInput{
		Type: bus.TypeNotify, From: bus.ToPM, To: bus.ToBroadcast, Topic: "overnight_run_ended", Priority: bus.PriorityHigh,
		Payload: map[string]any{"run_id": ended.RunID, "status": string(ended.Status), "reason": reason},
	})
	if pubErr != nil {
		return []scan.Result{{Class: scan.ClassMechanical, Summary: "overnight_run_ended publish failed: " + pubErr.Error()}}, nil
	}

	return []scan.Result{{
		Class:   scan.ClassJudgment,
		Summary: fmt.Sprintf("overnight run %s ended (%s): %s", ended.RunID, ended.Status, reason),
		Detail:  map[string]any{"run_id": ended.RunID, "status": string(ended.Status), "reason": reason},
	}}, nil
}

func (s *OvernightScan) decide(r *overnight.Run) (overnight.Status, string) {
	budget := s.Manager.Budget()
	switch {
	case budget.MaxTotalFailures > 0 && r.TotalErrors >= budget.MaxTotalFailures:
		return overnight.StatusStopped, fmt.Sprintf("global error budget exceeded (%d/%d failures)", r.TotalErrors, budget.MaxTotalFailures)
	case r.DrainRequested && len(r.TasksInProgress) == 0:
		return overnight.StatusStopped, "drain requested and no tasks remain in progress"
	case r.IsComplete():
		return overnight.StatusCompleted, "all tasks completed or failed"
	default:
		return "", ""
	}
}
