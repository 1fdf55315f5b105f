// Package scans holds the concrete, interval-gated Scan implementations
// dispatched by pkg/scan.Loop: health, task, drift, pressure, cost,
// recovery, escalation, progress, overnight, and analytics. Each
// receives its collaborators through its constructor.
package scans

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/session"
)

func withDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// HealthScan finds stale/dead sessions, releases their claims, and emits
// a cleanup event for each one it marks crashed. Default interval 30s.
type HealthScan struct {
	Registry       *session.Registry
	Bus            *bus.Bus
	StaleThreshold time.Duration
	DeadThreshold  time.Duration
	IntervalDur    time.Duration
}

func (s *HealthScan) Kind() string           { return "health" }
func (s *HealthScan) Interval() time.Duration { return withDefault(s.IntervalDur, 30*time.Second) }

func (s *HealthScan) Run(ctx context.Context) ([]scan.Result, error) {
	var results []scan.Result

	dups, err := s.Registry.ReconcileDuplicateClaims()
	if err != nil {
		return nil, fmt.Errorf("health scan: reconcile duplicate claims: %w", err)
	}
	for _, d := range dups {
		_, err := s.Bus.Publish(bus.PublishInput{
			Type:     bus.TypeNotify,
			From:     bus.ToPM,
			To:       bus.ToBroadcast,
			Topic:    "claim.reconciled",
			Priority: bus.PriorityHigh,
			Payload: map[string]any{
				"task_id":  d.TaskID,
				"kept":     d.KeptSessionID,
				"released": d.ReleasedSessionIDs,
			},
		})
		if err != nil {
			return results, fmt.Errorf("health scan: publish claim reconciliation for %s: %w", d.TaskID, err)
		}
		results = append(results, scan.Result{
			Class:   scan.ClassMechanical,
			Summary: fmt.Sprintf("task %s had %d duplicate live claims, kept %s", d.TaskID, len(d.ReleasedSessionIDs)+1, d.KeptSessionID),
			Detail:  map[string]any{"task_id": d.TaskID, "kept_session_id": d.KeptSessionID, "released_session_ids": d.ReleasedSessionIDs},
		})
	}

	stale, dead, err := s.Registry.StaleAndDead(s.StaleThreshold, s.DeadThreshold)
	if err != nil {
		return results, fmt.Errorf("health scan: %w", err)
	}

	for _, sess := range stale {
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("session %s stale since %s", sess.ID, sess.HeartbeatAt.Format(time.RFC3339)),
			Detail:  map[string]any{"session_id": sess.ID},
		})
	}

	for _, sess := range dead {
		if err := s.Registry.MarkCrashed(sess.ID, "heartbeat exceeded dead threshold"); err != nil {
			return results, fmt.Errorf("health scan: mark crashed %s: %w", sess.ID, err)
		}
		_, err := s.Bus.Publish(bus.PublishInput{
			Type:     bus.TypeNotify,
			From:     bus.ToPM,
			To:       bus.ToBroadcast,
			Topic:    "session.cleanup",
			Priority: bus.PriorityNormal,
			Payload: map[string]any{
				"session_id": sess.ID,
				"task_id":    sess.ClaimedTaskID,
				"reason":     "dead",
			},
		})
		if err != nil {
			return results, fmt.Errorf("health scan: publish cleanup for %s: %w", sess.ID, err)
		}
		results = append(results, scan.Result{
			Class:   scan.ClassMechanical,
			Summary: fmt.Sprintf("session %s marked crashed, claim released", sess.ID),
			Detail:  map[string]any{"session_id": sess.ID, "released_task_id": sess.ClaimedTaskID},
		})
	}
	return results, nil
}
