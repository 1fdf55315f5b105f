package scans

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/checkpoint"
	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/session"
	"github.com/codeready-toolchain/pilotd/pkg/spawner"
)

// RecoveryScan finds tasks whose prior session ended abnormally
// (crashed) with a checkpoint present, and delegates each to an idle
// agent, embedding the checkpoint's restoration prompt in the assignment.
// A handled crashed session is recorded under
// state/orchestrator/recovered.json so it is not redispatched every tick.
// Default interval 30s.
type RecoveryScan struct {
	Registry     *session.Registry
	Checkpoints  *checkpoint.Store
	Bus          *bus.Bus
	Spawner      *spawner.Spawner
	BinPath      string
	ProjectRoot  string
	IntervalDur  time.Duration
}

func (s *RecoveryScan) Kind() string           { return "recovery" }
func (s *RecoveryScan) Interval() time.Duration { return withDefault(s.IntervalDur, 30*time.Second) }

func (s *RecoveryScan) recoveredPath() string {
	return filepath.Join(s.ProjectRoot, "state", "orchestrator", "recovered.json")
}

func (s *RecoveryScan) handled() (map[string]bool, error) {
	var rec struct {
		SessionIDs []string `json:"session_ids"`
	}
	ok, err := fsstore.ReadJSON(s.recoveredPath(), &rec)
	if err != nil {
		return map[string]bool{}, nil
	}
	if !ok {
		return map[string]bool{}, nil
	}
	out := make(map[string]bool, len(rec.SessionIDs))
	for _, id := range rec.SessionIDs {
		out[id] = true
	}
	return out, nil
}

func (s *RecoveryScan) markHandled(id string) error {
	done, err := s.handled()
	if err != nil {
		return err
	}
	done[id] = true
	ids := make([]string, 0, len(done))
	for k := range done {
		ids = append(ids, k)
	}
	rec := struct {
		SessionIDs []string `json:"session_ids"`
	}{SessionIDs: ids}
	return fsstore.WriteJSON(s.recoveredPath(), rec)
}

func (s *RecoveryScan) Run(ctx context.Context) ([]scan.Result, error) {
	all, err := s.Registry.AllSessionStates()
	if err != nil {
		return nil, fmt.Errorf("recovery scan: all session states: %w", err)
	}
	done, err := s.handled()
	if err != nil {
		return nil, err
	}
	claimed, err := s.Registry.ClaimedTaskIDs("")
	if err != nil {
		return nil, fmt.Errorf("recovery scan: claimed task ids: %w", err)
	}

	var results []scan.Result
	for _, sess := range all {
		if sess.Status != session.StatusCrashed || done[sess.ID] {
			continue
		}
		cp, ok, err := s.Checkpoints.Load(sess.ID)
		if err != nil || !ok || cp.TaskID == "" {
			continue
		}
		if claimed[cp.TaskID] {
			_ = s.markHandled(sess.ID)
			continue
		}

		if s.Spawner == nil {
			continue
		}
		prompt := checkpoint.BuildRestorationPrompt(cp)
		entry, err := s.Spawner.Spawn(ctx, spawner.SpawnInput{TaskID: cp.TaskID, BinPath: s.BinPath, Capsule: prompt})
		if err != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("recovery spawn deferred for %s: %v", cp.TaskID, err)})
			continue
		}
		if err := s.markHandled(sess.ID); err != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "recovery: mark handled failed: " + err.Error()})
			continue
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("recovered task %s from crashed session %s via new pid %d", cp.TaskID, sess.ID, entry.PID),
			Detail:  map[string]any{"task_id": cp.TaskID, "crashed_session_id": sess.ID, "pid": entry.PID, "state_delta": map[string]int{"agents_spawned": 1}},
		})
	}
	return results, nil
}
