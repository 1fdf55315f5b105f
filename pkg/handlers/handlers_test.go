package handlers_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/collab"
	"github.com/codeready-toolchain/pilotd/pkg/escalation"
	"github.com/codeready-toolchain/pilotd/pkg/handlers"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
	"github.com/codeready-toolchain/pilotd/pkg/policyfile"
	"github.com/codeready-toolchain/pilotd/pkg/session"
	"github.com/codeready-toolchain/pilotd/pkg/taskgateway"
	"github.com/codeready-toolchain/pilotd/pkg/watcher"
)

// recordingNotifier captures every message sent through it, for tests
// that need to assert on what an agent was told rather than just that
// something was sent.
type recordingNotifier struct {
	sent []string
}

func (n *recordingNotifier) Send(ctx context.Context, to, message string) error {
	n.sent = append(n.sent, message)
	return nil
}

func newSet(t *testing.T) (*handlers.Set, string) {
	t.Helper()
	root := t.TempDir()
	return &handlers.Set{
		Registry: session.NewRegistry(root),
		Bus:      bus.New(root),
		Engine:   escalation.NewEngine(),
		Notifier: collab.NoopNotifier{},
	}, root
}

// newSetWithGateway is newSet plus a FakeGateway and an always-approving
// Reviewer, for tests exercising assignNext's auto-review/auto-close path.
func newSetWithGateway(t *testing.T, tasks ...taskgateway.Task) (*handlers.Set, *taskgateway.FakeGateway) {
	t.Helper()
	s, _ := newSet(t)
	gw := taskgateway.NewFakeGateway(tasks...)
	s.Gateway = gw
	s.Reviewer = collab.AlwaysApproveReviewer{}
	return s, gw
}

func TestBuildCoversEveryAssignedAction(t *testing.T) {
	s, _ := newSet(t)
	m := s.Build()
	for _, a := range []watcher.Action{
		watcher.ActionAssignNext, watcher.ActionTrackClaim, watcher.ActionRespondToAgent,
		watcher.ActionHandleError, watcher.ActionGreetAgent, watcher.ActionCleanupSession,
		watcher.ActionReviewMerge, watcher.ActionTrackProgress, watcher.ActionProcessHealth,
	} {
		assert.NotNil(t, m[a], "missing handler for %s", a)
	}
}

func TestAssignNextReleasesCompletingSession(t *testing.T) {
	s, _ := newSet(t)
	_, err := s.Registry.RecordStart("S-a", 1, 0, "worker")
	require.NoError(t, err)
	require.NoError(t, s.Registry.Claim("S-a", "T1", 60000))

	m := s.Build()
	payload, _ := json.Marshal(map[string]any{"task_id": "T1"})
	res, err := m[watcher.ActionAssignNext].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "task.complete", Payload: payload},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "S-a")

	got, ok, err := s.Registry.Get("S-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, got.ClaimedTaskID)
}

func TestAssignNextAutoReviewsAndClosesApprovedTask(t *testing.T) {
	s, gw := newSetWithGateway(t, taskgateway.Task{ID: "T1", Status: "ready"})
	_, err := s.Registry.RecordStart("S-a", 1, 0, "worker")
	require.NoError(t, err)
	require.NoError(t, s.Registry.Claim("S-a", "T1", 60000))

	m := s.Build()
	payload, _ := json.Marshal(map[string]any{"task_id": "T1"})
	res, err := m[watcher.ActionAssignNext].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "task.complete", Payload: payload},
	})
	require.NoError(t, err)

	delta, ok := res.Detail["state_delta"].(map[string]int)
	require.True(t, ok, "expected a state_delta in the result detail")
	assert.Equal(t, 1, delta["tasks_auto_reviewed"])
	assert.Equal(t, 1, delta["tasks_auto_closed"])

	closed, err := gw.List(context.Background(), taskgateway.Filter{Status: "closed"})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "T1", closed[0].ID)
}

func TestAssignNextHoldsOpenWhenReviewerRejects(t *testing.T) {
	s, gw := newSetWithGateway(t, taskgateway.Task{ID: "T1", Status: "ready"})
	s.Reviewer = rejectingReviewer{}
	_, err := s.Registry.RecordStart("S-a", 1, 0, "worker")
	require.NoError(t, err)
	require.NoError(t, s.Registry.Claim("S-a", "T1", 60000))

	m := s.Build()
	payload, _ := json.Marshal(map[string]any{"task_id": "T1"})
	res, err := m[watcher.ActionAssignNext].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "task.complete", Payload: payload},
	})
	require.NoError(t, err)

	delta, ok := res.Detail["state_delta"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, delta["tasks_auto_reviewed"])
	assert.Equal(t, 0, delta["tasks_auto_closed"])

	closed, err := gw.List(context.Background(), taskgateway.Filter{Status: "closed"})
	require.NoError(t, err)
	assert.Empty(t, closed)
}

type rejectingReviewer struct{}

func (rejectingReviewer) Review(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}

func TestOvernightLifecycleDrivenByClaimCompleteAndError(t *testing.T) {
	s, _ := newSetWithGateway(t, taskgateway.Task{ID: "T1", Status: "ready"}, taskgateway.Task{ID: "T2", Status: "ready"})
	mgr := overnight.New(t.TempDir(), overnight.ErrorBudget{MaxTotalFailures: 100})
	s.Overnight = mgr
	_, err := mgr.Start("run-1", "nightly", []string{"T1", "T2"})
	require.NoError(t, err)

	_, err = s.Registry.RecordStart("S-a", 1, 0, "worker")
	require.NoError(t, err)
	require.NoError(t, s.Registry.Claim("S-a", "T1", 60000))

	m := s.Build()
	claimPayload, _ := json.Marshal(map[string]any{"task_id": "T1"})
	_, err = m[watcher.ActionTrackClaim].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "task.claimed", Payload: claimPayload},
	})
	require.NoError(t, err)

	run, ok, err := mgr.Active()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, run.TasksInProgress, "T1")

	completePayload, _ := json.Marshal(map[string]any{"task_id": "T1"})
	_, err = m[watcher.ActionAssignNext].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "task.complete", Payload: completePayload},
	})
	require.NoError(t, err)

	run, ok, err = mgr.Active()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, run.TasksCompleted, "T1")
	assert.NotContains(t, run.TasksInProgress, "T1")

	errPayload, _ := json.Marshal(map[string]any{"task_id": "T2"})
	_, err = m[watcher.ActionHandleError].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-b", Topic: "test_failure", Payload: errPayload},
	})
	require.NoError(t, err)

	run, ok, err = mgr.Active()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, run.TotalErrors)
}

func TestHandleErrorPublishesEscalationSignal(t *testing.T) {
	s, _ := newSet(t)
	m := s.Build()
	_, err := m[watcher.ActionHandleError].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "agent.error"},
	})
	require.NoError(t, err)

	var seen []bus.Event
	require.NoError(t, s.Bus.Poll(bus.ToPM, func(ev bus.Event) error {
		seen = append(seen, ev)
		return nil
	}))
	require.Len(t, seen, 1)
	assert.Equal(t, "escalation.signal", seen[0].Topic)
}

func TestProcessHealthRefreshesHeartbeat(t *testing.T) {
	s, _ := newSet(t)
	_, err := s.Registry.RecordStart("S-a", 1, 0, "worker")
	require.NoError(t, err)

	m := s.Build()
	_, err = m[watcher.ActionProcessHealth].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "health.report"},
	})
	require.NoError(t, err)

	got, ok, err := s.Registry.Get("S-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.HeartbeatAt.IsZero())
}

func TestRespondToAgentAcknowledgesByDefault(t *testing.T) {
	s, _ := newSet(t)
	notifier := &recordingNotifier{}
	s.Notifier = notifier

	m := s.Build()
	payload, _ := json.Marshal(map[string]any{"question": "should I refactor this?"})
	res, err := m[watcher.ActionRespondToAgent].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "agent.question", Payload: payload},
	})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0], "acknowledged")
	assert.Contains(t, res.Summary, "acknowledged")
}

func TestRespondToAgentDeniesPromptUnderFullAutonomy(t *testing.T) {
	s, _ := newSet(t)
	notifier := &recordingNotifier{}
	s.Notifier = notifier
	s.Autonomy = policyfile.AutonomyConfig{Mode: policyfile.AutonomyFull}

	m := s.Build()
	payload, _ := json.Marshal(map[string]any{"question": "should I ask a human?"})
	res, err := m[watcher.ActionRespondToAgent].Handle(context.Background(), watcher.Classified{
		Event: bus.Event{From: "S-a", Topic: "agent.question", Payload: payload},
	})
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	assert.NotContains(t, notifier.sent[0], "acknowledged")
	assert.Contains(t, notifier.sent[0], "autonomy.mode=full")
	assert.Contains(t, res.Summary, "denied")

	var seen []bus.Event
	require.NoError(t, s.Bus.Poll(bus.ToBroadcast, func(ev bus.Event) error {
		seen = append(seen, ev)
		return nil
	}))
	assert.Empty(t, seen, "denying a prompt must not publish an event that would unblock it")
}
