// Package autoscale implements the pure scaling decision function that
// advises the scan loop each tick whether to grow, shrink, or hold the
// agent fleet.
package autoscale

import "time"

// Action is the decision the autoscaler returns.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
)

// PoolState is the observed state of the fleet and host resources at
// decision time.
type PoolState struct {
	Active             int
	Idle               int
	PendingReady       int
	BudgetRemainingPct float64
	CPUPct             float64
	MemPct             float64
}

// ScaleUpPolicy configures rule 5.
type ScaleUpPolicy struct {
	QueueRatio            float64 `yaml:"queue_ratio" json:"queue_ratio"`
	PriorityIdleThreshold int     `yaml:"priority_idle_threshold" json:"priority_idle_threshold"`
	DeadlineHours         float64 `yaml:"deadline_hours" json:"deadline_hours"`
}

// ScaleDownPolicy configures rules 2, 3, and 6.
type ScaleDownPolicy struct {
	IdleCooldownMinutes float64 `yaml:"idle_cooldown_minutes" json:"idle_cooldown_minutes"`
	BudgetThresholdPct  float64 `yaml:"budget_threshold_pct" json:"budget_threshold_pct"`
	CPUThresholdPct     float64 `yaml:"cpu_threshold_pct" json:"cpu_threshold_pct"`
	MemThresholdPct     float64 `yaml:"memory_threshold_pct" json:"memory_threshold_pct"`
}

// Policy bounds and parameterizes every scaling rule. Mirrors the
// pool_scaling section of the on-disk policy document, unmarshaled
// directly from YAML by pkg/policyfile.
type Policy struct {
	Min       int             `yaml:"min" json:"min"`
	Max       int             `yaml:"max" json:"max"`
	ScaleUp   ScaleUpPolicy   `yaml:"scale_up" json:"scale_up"`
	ScaleDown ScaleDownPolicy `yaml:"scale_down" json:"scale_down"`
}

// History carries state needed across ticks: when pending work was last
// observed, used for the scale-down cooldown in rule 6.
type History struct {
	LastPendingAt time.Time
}

// Decision is the result of Evaluate: exactly one action, a target
// fleet size within [Min, Max], and a human-readable reason for the
// audit trail.
type Decision struct {
	Action      Action
	Reason      string
	TargetCount int
}

// Evaluate applies the seven-rule decision order from §4.11; the first
// matching rule wins. now is passed explicitly (rather than time.Now())
// so the function stays pure and deterministic for tests.
func Evaluate(state PoolState, policy Policy, hist History, now time.Time) Decision {
	clamp := func(n int) int {
		if n < policy.Min {
			return policy.Min
		}
		if n > policy.Max {
			return policy.Max
		}
		return n
	}

	// 1. Bootstrap: work is ready but nothing is running at all.
	if state.PendingReady > 0 && state.Active == 0 {
		return Decision{Action: ActionScaleUp, Reason: "bootstrap: pending work with zero active agents", TargetCount: clamp(state.Active + 1)}
	}

	// 2. Budget exhaustion forces a shrink regardless of queue pressure.
	if state.BudgetRemainingPct <= policy.ScaleDown.BudgetThresholdPct {
		return Decision{Action: ActionScaleDown, Reason: "budget remaining at or below threshold", TargetCount: clamp(max(policy.Min, state.Active-1))}
	}

	// 3. Host resource pressure forces a shrink.
	if state.CPUPct >= policy.ScaleDown.CPUThresholdPct || state.MemPct >= policy.ScaleDown.MemThresholdPct {
		return Decision{Action: ActionScaleDown, Reason: "host CPU or memory pressure at or above threshold", TargetCount: clamp(max(policy.Min, state.Active-1))}
	}

	// 4. Already at the ceiling: hold regardless of queue pressure.
	if state.Active >= policy.Max {
		return Decision{Action: ActionHold, Reason: "at max fleet size", TargetCount: clamp(state.Active)}
	}

	// 5. Queue pressure or an idle-agent shortage warrants growth.
	queueRatio := 0.0
	if state.Active > 0 {
		queueRatio = float64(state.PendingReady) / float64(state.Active)
	} else if state.PendingReady > 0 {
		queueRatio = float64(state.PendingReady)
	}
	if queueRatio >= policy.ScaleUp.QueueRatio || (state.PendingReady > 0 && state.Idle == 0) {
		return Decision{Action: ActionScaleUp, Reason: "queue ratio or idle shortage exceeds threshold", TargetCount: clamp(state.Active + 1)}
	}

	// 6. Sustained idleness past the cooldown warrants a shrink.
	if state.PendingReady == 0 {
		idleFor := now.Sub(hist.LastPendingAt)
		if hist.LastPendingAt.IsZero() || idleFor.Minutes() >= policy.ScaleDown.IdleCooldownMinutes {
			if state.Active > policy.Min {
				return Decision{Action: ActionScaleDown, Reason: "no pending work past idle cooldown", TargetCount: clamp(max(policy.Min, state.Active-1))}
			}
		}
	}

	// 7. Nothing else applies.
	return Decision{Action: ActionHold, Reason: "no scaling rule matched", TargetCount: clamp(state.Active)}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
