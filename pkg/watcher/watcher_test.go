package watcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/watcher"
)

func TestClassifyKnownTopics(t *testing.T) {
	cases := map[string]watcher.Action{
		"task.complete":  watcher.ActionAssignNext,
		"task.claimed":   watcher.ActionTrackClaim,
		"agent.question": watcher.ActionRespondToAgent,
		"agent.error":    watcher.ActionHandleError,
		"test_failure":   watcher.ActionHandleError,
		"session.start":  watcher.ActionGreetAgent,
		"session.end":    watcher.ActionCleanupSession,
		"merge.request":  watcher.ActionReviewMerge,
		"step.complete":  watcher.ActionTrackProgress,
		"health.report":  watcher.ActionProcessHealth,
	}
	for topic, want := range cases {
		got, recognized := watcher.Classify(topic)
		assert.True(t, recognized, topic)
		assert.Equal(t, want, got, topic)
	}
}

func TestClassifyUnknownTopicIsLogOnly(t *testing.T) {
	got, recognized := watcher.Classify("something.weird")
	assert.Equal(t, watcher.ActionLogOnly, got)
	assert.False(t, recognized)
}

func TestDrainReturnsEventsInAppendOrder(t *testing.T) {
	b := bus.New(t.TempDir())
	_, err := b.Publish(bus.PublishInput{Type: bus.TypeNotify, From: "S-a", To: bus.ToPM, Topic: "task.complete"})
	require.NoError(t, err)
	_, err = b.Publish(bus.PublishInput{Type: bus.TypeNotify, From: "S-a", To: bus.ToPM, Topic: "session.end"})
	require.NoError(t, err)

	w := watcher.New(b)
	batch, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, watcher.ActionAssignNext, batch[0].Action)
	assert.Equal(t, watcher.ActionCleanupSession, batch[1].Action)
}

func TestDrainThrottlesBeyondCapAndRedeliversNextTick(t *testing.T) {
	b := bus.New(t.TempDir())
	for i := 0; i < watcher.MaxActionsPerCycle+5; i++ {
		_, err := b.Publish(bus.PublishInput{Type: bus.TypeNotify, From: "S-a", To: bus.ToPM, Topic: "step.complete"})
		require.NoError(t, err)
	}

	w := watcher.New(b)
	first, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, watcher.MaxActionsPerCycle)

	second, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, second, 5)
}
