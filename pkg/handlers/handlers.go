// Package handlers implements the nine watcher.Action event handlers:
// the immediate, per-event reactions the scan loop runs before its
// periodic scans each tick. Each handler is a pkg/scan.EventHandler,
// following a worker-pool notification pattern where each handled item
// emits its own result.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/collab"
	"github.com/codeready-toolchain/pilotd/pkg/escalation"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
	"github.com/codeready-toolchain/pilotd/pkg/policyfile"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
	"github.com/codeready-toolchain/pilotd/pkg/session"
	"github.com/codeready-toolchain/pilotd/pkg/taskgateway"
	"github.com/codeready-toolchain/pilotd/pkg/watcher"
)

// Set bundles the collaborators every handler needs and builds the
// watcher.Action -> scan.EventHandler map the loop dispatches through.
type Set struct {
	Registry *session.Registry
	Bus      *bus.Bus
	Engine   *escalation.Engine
	Notifier collab.Notifier

	// Gateway and Reviewer drive assignNext's auto-review/auto-close of a
	// completed task; either left nil disables that step (release-only).
	Gateway  taskgateway.Gateway
	Reviewer collab.Reviewer

	// Overnight, if set, is consulted on task.claimed/task.complete/
	// agent.error so the active run's entity actually advances instead of
	// only ever being mutated by a test.
	Overnight *overnight.Manager

	// Autonomy gates respondToAgent: under mode=full, a human-prompt
	// round-trip is a policy violation and the prompt is denied rather
	// than acknowledged. The zero value never blocks.
	Autonomy policyfile.AutonomyConfig
}

// Build returns one EventHandler per watcher.Action in the closed set.
// log_only is intentionally absent: the loop only
// looks up an action in this map, so an action with no entry (log_only,
// or any action a caller chose not to wire) simply falls through to the
// per-event ActionLogEntry the loop already writes unconditionally.
func (s *Set) Build() map[watcher.Action]scan.EventHandler {
	return map[watcher.Action]scan.EventHandler{
		watcher.ActionAssignNext:     scan.EventHandlerFunc(s.assignNext),
		watcher.ActionTrackClaim:     scan.EventHandlerFunc(s.trackClaim),
		watcher.ActionRespondToAgent: scan.EventHandlerFunc(s.respondToAgent),
		watcher.ActionHandleError:    scan.EventHandlerFunc(s.handleError),
		watcher.ActionGreetAgent:     scan.EventHandlerFunc(s.greetAgent),
		watcher.ActionCleanupSession: scan.EventHandlerFunc(s.cleanupSession),
		watcher.ActionReviewMerge:    scan.EventHandlerFunc(s.reviewMerge),
		watcher.ActionTrackProgress:  scan.EventHandlerFunc(s.trackProgress),
		watcher.ActionProcessHealth:  scan.EventHandlerFunc(s.processHealth),
	}
}

func decodePayload(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}

// assignNext releases the completing session's claim the instant its
// task.complete lands, so the next task scan tick (up to IntervalDur
// later) finds it idle rather than waiting a full cycle to notice. It
// then runs the completed task through Reviewer and, on approval, closes
// it via Gateway — the auto-review/auto-close pair §3's PmState counters
// (tasks_auto_reviewed, tasks_auto_closed) expect a task.complete to
// drive, rather than leaving those fields permanently at zero.
func (s *Set) assignNext(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	decodePayload(c.Event.Payload, &p)
	if err := s.Registry.Release(c.Event.From); err != nil {
		return scan.Result{}, fmt.Errorf("handlers: assign_next release %s: %w", c.Event.From, err)
	}

	if p.TaskID == "" || s.Reviewer == nil || s.Gateway == nil {
		s.recordOvernightCompletion(p.TaskID)
		return scan.Result{
			Class:   scan.ClassMechanical,
			Summary: fmt.Sprintf("released %s after completing %s", c.Event.From, p.TaskID),
		}, nil
	}

	approved, err := s.Reviewer.Review(ctx, p.TaskID)
	if err != nil {
		return scan.Result{}, fmt.Errorf("handlers: assign_next review %s: %w", p.TaskID, err)
	}
	delta := map[string]int{"tasks_auto_reviewed": 1}
	summary := fmt.Sprintf("released %s; %s reviewed and held open pending manual close", c.Event.From, p.TaskID)
	if approved {
		if err := s.Gateway.Close(ctx, p.TaskID); err != nil {
			return scan.Result{}, fmt.Errorf("handlers: assign_next close %s: %w", p.TaskID, err)
		}
		delta["tasks_auto_closed"] = 1
		summary = fmt.Sprintf("released %s; %s auto-reviewed and closed", c.Event.From, p.TaskID)
	}

	s.recordOvernightCompletion(p.TaskID)

	return scan.Result{
		Class:   scan.ClassJudgment,
		Summary: summary,
		Detail:  map[string]any{"task_id": p.TaskID, "session_id": c.Event.From, "approved": approved, "state_delta": delta},
	}, nil
}

// trackClaim is an audit entry for a task.claimed event; the claim
// itself was already recorded by TaskScan or the gateway at claim time.
// It also advances an active overnight run's tasks_in_progress list, so
// IsComplete has something besides tasks_completed/tasks_failed to
// compare task ids against.
func (s *Set) trackClaim(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	decodePayload(c.Event.Payload, &p)
	s.recordOvernightStart(p.TaskID)
	return scan.Result{
		Class:   scan.ClassMechanical,
		Summary: fmt.Sprintf("%s claimed a task", c.Event.From),
	}, nil
}

// recordOvernightStart moves taskID into the active run's
// tasks_in_progress, if taskID belongs to that run.
func (s *Set) recordOvernightStart(taskID string) {
	run, ok := s.activeOvernightRun(taskID)
	if !ok {
		return
	}
	_ = s.Overnight.RecordTaskStarted(run.RunID, taskID)
}

// recordOvernightCompletion moves taskID into the active run's
// tasks_completed, if taskID belongs to that run.
func (s *Set) recordOvernightCompletion(taskID string) {
	run, ok := s.activeOvernightRun(taskID)
	if !ok {
		return
	}
	_ = s.Overnight.RecordTaskCompleted(run.RunID, taskID)
}

// recordOvernightFailure increments the active run's error counters for
// taskID, if taskID belongs to that run. The overnight scan (not here)
// is what ends the run once the resulting totals cross the budget, so
// that "end the run" stays the single responsibility its doc comment
// already claims.
func (s *Set) recordOvernightFailure(taskID string) {
	run, ok := s.activeOvernightRun(taskID)
	if !ok {
		return
	}
	_, _ = s.Overnight.RecordTaskFailed(run.RunID, taskID)
}

// activeOvernightRun returns the single active overnight run, if one
// exists, Overnight is wired, and taskID is one of its tracked task ids.
func (s *Set) activeOvernightRun(taskID string) (*overnight.Run, bool) {
	if s.Overnight == nil || taskID == "" {
		return nil, false
	}
	run, ok, err := s.Overnight.Active()
	if err != nil || !ok || !containsString(run.TaskIDs, taskID) {
		return nil, false
	}
	return run, true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// respondToAgent acknowledges an agent.question/.help event so the
// asking session isn't left stalled until the next progress scan.
//
// Under autonomy.mode=full, an AskUserQuestion-style prompt is a
// policy-violation: it would otherwise round-trip through a human, and
// full autonomy denies that. The offending action is denied outright —
// the agent gets guidance instead of an acknowledgement, and no event
// is written that would unblock the prompt.
func (s *Set) respondToAgent(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	var p struct {
		Question string `json:"question"`
	}
	decodePayload(c.Event.Payload, &p)

	if s.Autonomy.Blocks() {
		guidance := "autonomy.mode=full denies human-prompt round-trips; proceed using the approved plan and your best judgment instead of waiting on an answer"
		if err := s.Notifier.Send(ctx, c.Event.From, guidance); err != nil {
			return scan.Result{}, fmt.Errorf("handlers: respond_to_agent: %w", err)
		}
		return scan.Result{Class: scan.ClassMechanical, Summary: "denied prompt from " + c.Event.From + " (autonomy=full)"}, nil
	}

	msg := "acknowledged, PM is reviewing"
	if p.Question != "" {
		msg = fmt.Sprintf("acknowledged question %q, PM is reviewing", p.Question)
	}
	if err := s.Notifier.Send(ctx, c.Event.From, msg); err != nil {
		return scan.Result{}, fmt.Errorf("handlers: respond_to_agent: %w", err)
	}
	return scan.Result{Class: scan.ClassJudgment, Summary: "acknowledged " + c.Event.From}, nil
}

// handleError feeds the event into the escalation engine via the bus
// ("escalation.signal") rather than calling it directly, so the
// escalation scan's own poll loop is the single place that turns a
// signal into notify/reassign/kill/human_escalate — keeping the policy
// engine's input an auditable bus trail, per the escalation scan's own
// doc comment.
func (s *Set) handleError(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	decodePayload(c.Event.Payload, &p)
	s.recordOvernightFailure(p.TaskID)
	_, err := s.Bus.Publish(bus.PublishInput{
		Type: bus.TypeNotify, From: bus.ToPM, To: bus.ToBroadcast, Topic: "escalation.signal",
		Priority: bus.PriorityHigh,
		Payload: map[string]any{
			"event_type": c.Event.Topic, "session_id": c.Event.From, "task_id": p.TaskID, "cleared": false,
		},
	})
	if err != nil {
		return scan.Result{}, fmt.Errorf("handlers: handle_error publish: %w", err)
	}
	return scan.Result{Class: scan.ClassJudgment, Summary: fmt.Sprintf("escalation signal raised for %s/%s", c.Event.From, c.Event.Topic)}, nil
}

// greetAgent sends a welcome notification when a new agent session
// starts, mirroring the task-assign notify TaskScan sends on claim.
func (s *Set) greetAgent(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	if err := s.Notifier.Send(ctx, c.Event.From, "welcome, PM is tracking this session"); err != nil {
		return scan.Result{}, fmt.Errorf("handlers: greet_agent: %w", err)
	}
	return scan.Result{Class: scan.ClassMechanical, Summary: "greeted " + c.Event.From}, nil
}

// cleanupSession mirrors the registry's own End() call from the exiting
// session (idempotent on identity), as a backstop for a session whose
// own shutdown path never got to call it before exiting.
func (s *Set) cleanupSession(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	if err := s.Registry.End(c.Event.From, "session.end event"); err != nil {
		return scan.Result{}, fmt.Errorf("handlers: cleanup_session %s: %w", c.Event.From, err)
	}
	return scan.Result{Class: scan.ClassMechanical, Summary: "cleaned up " + c.Event.From}, nil
}

// reviewMerge records the merge request as a judgment-class entry for a
// human or a later gate to act on; quality gates themselves are a
// pluggable collaborator, not implemented here.
func (s *Set) reviewMerge(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	decodePayload(c.Event.Payload, &p)
	return scan.Result{
		Class:   scan.ClassJudgment,
		Summary: fmt.Sprintf("merge request from %s for %s queued for review", c.Event.From, p.TaskID),
		Detail:  map[string]any{"session_id": c.Event.From, "task_id": p.TaskID},
	}, nil
}

// trackProgress is a pure audit entry for a step.complete event; stall
// detection itself lives in the periodic progress scan, which has the
// full session roster to compare against.
func (s *Set) trackProgress(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	var p struct {
		Step string `json:"step"`
	}
	decodePayload(c.Event.Payload, &p)
	return scan.Result{Class: scan.ClassMechanical, Summary: fmt.Sprintf("%s completed step %s", c.Event.From, p.Step)}, nil
}

// processHealth refreshes the reporting session's heartbeat so a
// health.report event counts the same as a direct heartbeat call,
// keeping the health scan's stale/dead classification current between
// its own 30s interval ticks.
func (s *Set) processHealth(ctx context.Context, c watcher.Classified) (scan.Result, error) {
	if err := s.Registry.Heartbeat(c.Event.From); err != nil {
		return scan.Result{}, fmt.Errorf("handlers: process_health heartbeat %s: %w", c.Event.From, err)
	}
	return scan.Result{Class: scan.ClassMechanical, Summary: "health report from " + c.Event.From, Detail: map[string]any{"at": time.Now().UTC()}}, nil
}
