package policyfile

import (
	"github.com/codeready-toolchain/pilotd/pkg/autoscale"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
)

// Default returns the built-in policy applied before any on-disk
// document is merged on top: start from built-in defaults, merge
// user config on top.
func Default() *Policy {
	return &Policy{
		Autonomy:   AutonomyConfig{Mode: AutonomySupervised},
		Checkpoint: CheckpointConfig{PressureThresholdPct: 80},
		Session:    SessionConfig{MaxConcurrentSessions: 5},
		Overnight: OvernightConfig{
			ErrorBudget: overnight.ErrorBudget{MaxFailuresPerTask: 3, MaxTotalFailures: 10},
			Drain:       DrainConfig{TimeoutMin: 15},
		},
		PoolScaling: PoolScalingConfig{
			Policy: autoscale.Policy{
				Min: 0,
				Max: 4,
				ScaleUp: autoscale.ScaleUpPolicy{
					QueueRatio:            1.5,
					PriorityIdleThreshold: 1,
					DeadlineHours:         4,
				},
				ScaleDown: autoscale.ScaleDownPolicy{
					IdleCooldownMinutes: 10,
					BudgetThresholdPct:  5,
					CPUThresholdPct:     90,
					MemThresholdPct:     90,
				},
			},
			EvaluationIntervalSeconds: 10,
		},
		QualityGates: QualityGatesConfig{Enabled: boolPtr(true)},
	}
}

func boolPtr(b bool) *bool { return &b }
