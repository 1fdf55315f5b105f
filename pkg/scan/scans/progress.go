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

// ProgressScan detects claimed tasks whose owning session has gone quiet
// (no heartbeat inside StallThreshold) or whose declared input artifacts
// are still unavailable, and surfaces both as progress_stalled events so
// the escalation scan can decide whether to intervene. Default interval 90s.
type ProgressScan struct {
	Registry         *session.Registry
	Bus              *bus.Bus
	Artifacts        collab.ArtifactChecker
	RequiredArtifacts func(taskID string) []string // collaborator: task-spec artifact lookup
	StallThreshold   time.Duration
	IntervalDur      time.Duration
}

func (s *ProgressScan) Kind() string           { return "progress" }
func (s *ProgressScan) Interval() time.Duration { return withDefault(s.IntervalDur, 90*time.Second) }

func (s *ProgressScan) stallThreshold() time.Duration {
	if s.StallThreshold <= 0 {
		return 20 * time.Minute
	}
	return s.StallThreshold
}

func (s *ProgressScan) Run(ctx context.Context) ([]scan.Result, error) {
	active, err := s.Registry.ActiveSessions()
	if err != nil {
		return nil, fmt.Errorf("progress scan: active sessions: %w", err)
	}

	now := time.Now().UTC()
	var results []scan.Result
	for _, sess := range active {
		if sess.ClaimedTaskID == "" {
			continue
		}
		if now.Sub(sess.HeartbeatAt) > s.stallThreshold() {
			results = append(results, s.emit(sess.ID, sess.ClaimedTaskID, "stalled_no_heartbeat", now.Sub(sess.HeartbeatAt).String())...)
			continue
		}

		if blockedOn := s.blockedArtifact(ctx, sess.ClaimedTaskID); blockedOn != "" {
			results = append(results, s.emit(sess.ID, sess.ClaimedTaskID, "blocked_on_artifact", blockedOn)...)
		}
	}
	return results, nil
}

func (s *ProgressScan) blockedArtifact(ctx context.Context, taskID string) string {
	if s.Artifacts == nil || s.RequiredArtifacts == nil {
		return ""
	}
	for _, artifact := range s.RequiredArtifacts(taskID) {
		ok, err := s.Artifacts.Available(ctx, artifact)
		if err != nil || !ok {
			return artifact
		}
	}
	return ""
}

func (s *ProgressScan) emit(sessionID, taskID, reason, detail string) []scan.Result {
	_, pubErr := s.Bus.Publish(bus.PublishInput{
		Type: bus.TypeNotify, From: bus.ToPM, To: bus.ToBroadcast, Topic: "escalation.signal", Priority: bus.PriorityHigh,
		Payload: map[string]any{"event_type": "progress_stalled", "session_id": sessionID, "task_id": taskID, "reason": reason, "detail": detail},
	})
	if pubErr != nil {
		return []scan.Result{{Class: scan.ClassMechanical, Summary: "progress_stalled publish failed: " + pubErr.Error()}}
	}
	return []scan.Result{{
		Class:   scan.ClassJudgment,
		Summary: fmt.Sprintf("progress stalled for %s on task %s: %s (%s)", sessionID, taskID, reason, detail),
		Detail:  map[string]any{"session_id": sessionID, "task_id": taskID, "reason": reason},
	}}
}
