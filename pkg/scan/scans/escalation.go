package scans

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/escalation"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
)

// escalationConsumer is the bus consumer id this scan drains
// "escalation.signal" events under; signals are published as broadcasts,
// so this consumer receives them.
const escalationConsumer = "escalation-scan"

// EscalationSignalTopic is the topic prefix published under to feed the
// policy engine (the handle_error event handler and ProgressScan emit
// here instead of calling the engine directly, so the engine's own input
// history is itself an auditable bus trail). Default interval 60s.
const EscalationSignalTopic = "escalation.signal"

// EscalationScan drains aggregated signals from the bus, evaluates them
// through the policy engine, and emits the resulting action — notify,
// reassign, kill, or human_escalate — with auto-de-escalation when a
// signal reports the condition cleared.
type EscalationScan struct {
	Bus         *bus.Bus
	Engine      *escalation.Engine
	HumanLog    *HumanEscalationAppender
	IntervalDur time.Duration
}

// HumanEscalationAppender is the minimal append capability EscalationScan
// needs for human_escalate outcomes (satisfied by *scan.HumanEscalationLog).
type HumanEscalationAppender interface {
	Append(e HumanEscalationEntry) error
}

// HumanEscalationEntry mirrors scan.HumanEscalation's shape without
// importing pkg/scan's concrete type, keeping this file's dependency on
// the action-log package to the interface it actually needs.
type HumanEscalationEntry struct {
	TS      time.Time
	TaskID  string
	Session string
	Reason  string
}

func (s *EscalationScan) Kind() string           { return "escalation" }
func (s *EscalationScan) Interval() time.Duration { return withDefault(s.IntervalDur, 60*time.Second) }

func (s *EscalationScan) Run(ctx context.Context) ([]scan.Result, error) {
	var results []scan.Result
	err := s.Bus.Poll(escalationConsumer, func(ev bus.Event) error {
		if !bus.MatchesPrefix(ev, EscalationSignalTopic) {
			return nil
		}
		var payload struct {
			EventType string `json:"event_type"`
			SessionID string `json:"session_id"`
			TaskID    string `json:"task_id"`
			Cleared   bool   `json:"cleared"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "escalation: malformed signal payload: " + err.Error()})
			return nil
		}

		action := s.Engine.Evaluate(escalation.Signal{
			EventType: payload.EventType, SessionID: payload.SessionID, TaskID: payload.TaskID,
			At: ev.TS, Cleared: payload.Cleared,
		})

		if action == escalation.ActionNoop {
			return nil
		}

		if action == escalation.ActionHumanEscalate && s.HumanLog != nil {
			_ = s.HumanLog.Append(HumanEscalationEntry{
				TS: time.Now().UTC(), TaskID: payload.TaskID, Session: payload.SessionID,
				Reason: fmt.Sprintf("%s repeated past escalation ceiling", payload.EventType),
			})
		}

		to := payload.SessionID
		if to == "" {
			to = bus.ToBroadcast
		}
		_, pubErr := s.Bus.Publish(bus.PublishInput{
			Type: bus.TypeNotify, From: bus.ToPM, To: to, Topic: "escalation." + string(action), Priority: bus.PriorityHigh,
			Payload: map[string]any{"event_type": payload.EventType, "task_id": payload.TaskID},
		})
		if pubErr != nil {
			results = append(results, scan.Result{Class: scan.ClassMechanical, Summary: "escalation action publish failed: " + pubErr.Error()})
			return nil
		}
		results = append(results, scan.Result{
			Class:   scan.ClassJudgment,
			Summary: fmt.Sprintf("escalation %s for %s/%s -> %s", payload.EventType, payload.SessionID, payload.TaskID, action),
			Detail:  map[string]any{"event_type": payload.EventType, "session_id": payload.SessionID, "task_id": payload.TaskID, "action": string(action)},
		})
		return nil
	})
	if err != nil {
		return results, fmt.Errorf("escalation scan: poll: %w", err)
	}
	return results, nil
}
