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

// DriftScan asks the drift detector whether files touched by a claimed
// task diverge from the approved plan by more than Threshold, and if so
// emits a drift_alert. Default interval 120s.
type DriftScan struct {
	Registry    *session.Registry
	Bus         *bus.Bus
	Detector    collab.Scorer
	Threshold   float64
	FilesTouched func(taskID string) []string // collaborator: VCS/file-change lookup
	IntervalDur time.Duration
}

func (s *DriftScan) Kind() string           { return "drift" }
func (s *DriftScan) Interval() time.Duration { return withDefault(s.IntervalDur, 120*time.Second) }

func (s *DriftScan) Run(ctx context.Context) ([]scan.Result, error) {
	active, err := s.Registry.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("drift scan: active sessions: %w", err)
	}

	var results []scan.Result
	for _, sess := range active {
		if sess.ClaimedTaskID == "" {
			continue
		}
		var files []string
		if s.FilesTouched != nil {
			files = s.FilesTouched(sess.ClaimedTaskID)
		}
		score, err := s.Detector.Score(ctx, sess.ID, files)
		if err != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("drift check failed for %s: %v", sess.ID, err)})
			continue
		}
		if score <= s.Threshold {
			continue
		}
		_, pubErr := s.Bus.Publish(bus.PublishInput{
			Type: bus.TypeNotify, From: bus.ToPM, To: sess.ID, Topic: "drift_alert", Priority: bus.PriorityHigh,
			Payload: map[string]any{"task_id": sess.ClaimedTaskID, "score": score, "threshold": s.Threshold},
		})
		if pubErr != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "drift_alert publish failed: " + pubErr.Error()})
			continue
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("drift alert for session %s task %s: score %.2f exceeds %.2f", sess.ID, sess.ClaimedTaskID, score, s.Threshold),
			Detail:  map[string]any{"session_id": sess.ID, "task_id": sess.ClaimedTaskID, "score": score},
		})
	}
	return results, nil
}
