package scans

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/checkpoint"
	"github.com/codeready-toolchain/pilotd/pkg/pressure"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/session"
)

// PressureScan reads each active session's context-pressure estimate;
// above ThresholdPct it sends a nudge, or — for PM's own session —
// triggers a self-checkpoint instead of a bus round-trip. Default
// interval 60s.
type PressureScan struct {
	Registry     *session.Registry
	Tracker      *pressure.Tracker
	Bus          *bus.Bus
	Checkpoints  *checkpoint.Store
	PMSessionID  string
	ThresholdPct int
	IntervalDur  time.Duration
}

func (s *PressureScan) Kind() string           { return "pressure" }
func (s *PressureScan) Interval() time.Duration { return withDefault(s.IntervalDur, 60*time.Second) }

func (s *PressureScan) Run(ctx context.Context) ([]scan.Result, error) {
	active, err := s.Registry.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("pressure scan: active sessions: %w", err)
	}

	var results []scan.Result
	for _, sess := range active {
		shouldNudge, st, err := s.Tracker.CheckAndNudge(sess.ID, s.ThresholdPct)
		if err != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("pressure check failed for %s: %v", sess.ID, err)})
			continue
		}
		if !shouldNudge {
			continue
		}

		if sess.ID == s.PMSessionID {
			if _, err := s.Checkpoints.Save(sess.ID, checkpoint.Checkpoint{CurrentContext: "PM self-checkpoint at pressure nudge"}); err != nil {
				results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "PM self-checkpoint failed: " + err.Error()})
				continue
			}
			_ = s.Tracker.Reset(sess.ID)
			results = append(results, scan.Result{
				Class:   scan.ClassJudgment,
				Summary: fmt.Sprintf("PM self-checkpointed at %d%% pressure", st.PctEstimate()),
			})
			continue
		}

		_, pubErr := s.Bus.Publish(bus.PublishInput{
			Type: bus.TypeNotify, From: bus.ToPM, To: sess.ID, Topic: "pressure_alert", Priority: bus.PriorityNormal,
			Payload: map[string]any{"pct_estimate": st.PctEstimate()},
		})
		if pubErr != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "pressure_alert publish failed: " + pubErr.Error()})
			continue
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("pressure_alert sent to %s at %d%%", sess.ID, st.PctEstimate()),
			Detail:  map[string]any{"session_id": sess.ID, "pct_estimate": st.PctEstimate()},
		})
	}
	return results, nil
}
