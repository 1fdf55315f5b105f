package autoscale_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/pilotd/pkg/autoscale"
)

func defaultPolicy() autoscale.Policy {
	return autoscale.Policy{
		Min: 0,
		Max: 5,
		ScaleUp: autoscale.ScaleUpPolicy{
			QueueRatio: 1.5,
		},
		ScaleDown: autoscale.ScaleDownPolicy{
			IdleCooldownMinutes: 10,
			BudgetThresholdPct:  5,
			CPUThresholdPct:     90,
			MemThresholdPct:     90,
		},
	}
}

func TestBootstrapScalesUpFromZero(t *testing.T) {
	d := autoscale.Evaluate(autoscale.PoolState{PendingReady: 1, Active: 0}, defaultPolicy(), autoscale.History{}, time.Now())
	assert.Equal(t, autoscale.ActionScaleUp, d.Action)
	assert.Equal(t, 1, d.TargetCount)
}

func TestBudgetExhaustionForcesScaleDown(t *testing.T) {
	d := autoscale.Evaluate(autoscale.PoolState{PendingReady: 10, Active: 3, BudgetRemainingPct: 2}, defaultPolicy(), autoscale.History{}, time.Now())
	assert.Equal(t, autoscale.ActionScaleDown, d.Action)
	assert.Equal(t, 2, d.TargetCount)
}

func TestResourcePressureForcesScaleDown(t *testing.T) {
	d := autoscale.Evaluate(autoscale.PoolState{Active: 3, BudgetRemainingPct: 100, CPUPct: 95}, defaultPolicy(), autoscale.History{}, time.Now())
	assert.Equal(t, autoscale.ActionScaleDown, d.Action)
}

func TestHoldAtMaxPreventsFurtherGrowth(t *testing.T) {
	d := autoscale.Evaluate(autoscale.PoolState{PendingReady: 50, Active: 5, BudgetRemainingPct: 100}, defaultPolicy(), autoscale.History{}, time.Now())
	assert.Equal(t, autoscale.ActionHold, d.Action)
	assert.Equal(t, 5, d.TargetCount)
}

func TestQueueRatioTriggersScaleUp(t *testing.T) {
	d := autoscale.Evaluate(autoscale.PoolState{PendingReady: 4, Active: 2, Idle: 1, BudgetRemainingPct: 100}, defaultPolicy(), autoscale.History{}, time.Now())
	assert.Equal(t, autoscale.ActionScaleUp, d.Action)
}

func TestCooldownPreventsScaleDownWhenPendingSeenRecently(t *testing.T) {
	now := time.Now()
	hist := autoscale.History{LastPendingAt: now.Add(-2 * time.Minute)}
	d := autoscale.Evaluate(autoscale.PoolState{PendingReady: 0, Active: 2, Idle: 2, BudgetRemainingPct: 100}, defaultPolicy(), hist, now)
	assert.Equal(t, autoscale.ActionHold, d.Action)
}

func TestScaleDownAfterCooldownElapsed(t *testing.T) {
	now := time.Now()
	hist := autoscale.History{LastPendingAt: now.Add(-20 * time.Minute)}
	d := autoscale.Evaluate(autoscale.PoolState{PendingReady: 0, Active: 3, Idle: 3, BudgetRemainingPct: 100}, defaultPolicy(), hist, now)
	assert.Equal(t, autoscale.ActionScaleDown, d.Action)
	assert.Equal(t, 2, d.TargetCount)
}

func TestTargetCountAlwaysWithinBounds(t *testing.T) {
	policy := defaultPolicy()
	inputs := []autoscale.PoolState{
		{PendingReady: 0, Active: 0, BudgetRemainingPct: 100},
		{PendingReady: 100, Active: 5, BudgetRemainingPct: 100},
		{PendingReady: 0, Active: 10, BudgetRemainingPct: 100},
	}
	for _, in := range inputs {
		d := autoscale.Evaluate(in, policy, autoscale.History{}, time.Now())
		assert.GreaterOrEqual(t, d.TargetCount, policy.Min)
		assert.LessOrEqual(t, d.TargetCount, policy.Max)
	}
}
