// Package watcher tails the message bus from PM's persisted consumer
// offset, classifies each event into an action label from a closed set,
// and hands (event, action) pairs to the scan loop in input order.
package watcher

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
)

// Action is the closed set of classifier outputs described in §4.7.
type Action string

const (
	ActionAssignNext     Action = "assign_next"
	ActionTrackClaim     Action = "track_claim"
	ActionRespondToAgent Action = "respond_to_agent"
	ActionHandleError    Action = "handle_error"
	ActionGreetAgent     Action = "greet_agent"
	ActionCleanupSession Action = "cleanup_session"
	ActionReviewMerge    Action = "review_merge"
	ActionTrackProgress  Action = "track_progress"
	ActionProcessHealth  Action = "process_health"
	ActionLogOnly        Action = "log_only"
)

// Classify maps a bus event's topic to its action label. The mapping is
// the authoritative, closed table from §4.7 — canonicalizing it into a
// coordinated enum across every emitter was considered and rejected (see
// DESIGN.md); unknown topics classify as log_only and are separately
// flagged for review rather than silently dropped.
func Classify(topic string) (action Action, recognized bool) {
	switch {
	case topic == "task.complete":
		return ActionAssignNext, true
	case topic == "task.claimed":
		return ActionTrackClaim, true
	case topic == "agent.question" || topic == "agent.help" || strings.HasSuffix(topic, ".help"):
		return ActionRespondToAgent, true
	case topic == "agent.error" || topic == "test_failure":
		return ActionHandleError, true
	case topic == "session.start":
		return ActionGreetAgent, true
	case topic == "session.end":
		return ActionCleanupSession, true
	case topic == "merge.request":
		return ActionReviewMerge, true
	case topic == "step.complete":
		return ActionTrackProgress, true
	case topic == "health.report":
		return ActionProcessHealth, true
	default:
		return ActionLogOnly, false
	}
}

// Classified pairs a bus event with its classification.
type Classified struct {
	Event  bus.Event
	Action Action
}

// MaxActionsPerCycle bounds how many classified events a single tick
// hands to the scan loop; the remainder is deferred to the next tick and
// logged as throttled.
const MaxActionsPerCycle = 50

// Watcher drains PM's pending bus events each tick, respecting MaxActionsPerCycle.
type Watcher struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// New returns a Watcher over b.
func New(b *bus.Bus) *Watcher {
	return &Watcher{bus: b, logger: slog.Default().With("component", "watcher")}
}

// Drain polls the bus for PM and returns up to MaxActionsPerCycle newly
// classified events, in append order. Any events beyond the cap remain
// unconsumed (the bus offset only advances past what Drain actually
// returns) and are logged as throttled.
func (w *Watcher) Drain(ctx context.Context) ([]Classified, error) {
	var batch []Classified
	throttled := 0

	err := w.bus.Poll(bus.ToPM, func(ev bus.Event) error {
		if len(batch) >= MaxActionsPerCycle {
			throttled++
			return errStopDraining
		}
		action, recognized := Classify(ev.Topic)
		if !recognized {
			w.logger.Warn("unclassified bus topic", "topic", ev.Topic, "unclassified", true)
		}
		batch = append(batch, Classified{Event: ev, Action: action})
		return nil
	})
	if err != nil && err != errStopDraining {
		return batch, err
	}
	if throttled > 0 {
		w.logger.Info("throttled", "deferred_count", throttled)
	}
	return batch, nil
}

var errStopDraining = &stopDrainingError{}

type stopDrainingError struct{}

func (*stopDrainingError) Error() string { return "watcher: batch cap reached" }

// pollInterval is the watcher's tail cadence; §4.7 requires <= 2s.
const pollInterval = 2 * time.Second

// Run tails the bus continuously (watch mode), invoking handle for every
// classified event until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, handle func(Classified)) {
	w.bus.Tail(ctx, bus.ToPM, pollInterval, func(ev bus.Event) error {
		action, recognized := Classify(ev.Topic)
		if !recognized {
			w.logger.Warn("unclassified bus topic", "topic", ev.Topic, "unclassified", true)
		}
		handle(Classified{Event: ev, Action: action})
		return nil
	})
}
