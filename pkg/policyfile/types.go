// Package policyfile loads and validates the declarative policy
// document: autonomy mode, checkpoint pressure threshold, session
// concurrency limits, overnight-run error budgets, pool-scaling rules,
// and the quality-gate toggles. Its loader shape (expand env vars,
// unmarshal YAML, merge onto defaults, validate) follows a common
// configuration-loader pattern.
package policyfile

import (
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/autoscale"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
)

// AutonomyMode is the closed set of operator-selectable autonomy levels.
// "full" blocks any handler that would otherwise round-trip through a
// human prompt; "guided" and "supervised" are left to the UI/CLI layer
// to interpret, but the core still needs to recognize "full" to enforce
// the policy-violation deny path.
type AutonomyMode string

const (
	AutonomyFull        AutonomyMode = "full"
	AutonomyGuided       AutonomyMode = "guided"
	AutonomySupervised   AutonomyMode = "supervised"
)

// AutonomyConfig is the `autonomy` section.
type AutonomyConfig struct {
	Mode AutonomyMode `yaml:"mode" json:"mode"`
}

// Blocks reports whether mode denies an action that would otherwise
// require a human round-trip.
func (c AutonomyConfig) Blocks() bool {
	return c.Mode == AutonomyFull
}

// CheckpointConfig is the `checkpoint` section.
type CheckpointConfig struct {
	PressureThresholdPct int `yaml:"pressure_threshold_pct" json:"pressure_threshold_pct"`
}

// SessionConfig is the `session` section.
type SessionConfig struct {
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
}

// DrainConfig is the `overnight.drain` subsection.
type DrainConfig struct {
	TimeoutMin int `yaml:"timeout_min" json:"timeout_min"`
}

// OvernightConfig is the `overnight` section.
type OvernightConfig struct {
	ErrorBudget overnight.ErrorBudget `yaml:"error_budget" json:"error_budget"`
	Drain       DrainConfig           `yaml:"drain" json:"drain"`
}

// PoolScalingConfig is the `pool_scaling` section; Min/Max/ScaleUp/ScaleDown
// unmarshal directly into an autoscale.Policy.
type PoolScalingConfig struct {
	autoscale.Policy          `yaml:",inline"`
	EvaluationIntervalSeconds int `yaml:"evaluation_interval_seconds" json:"evaluation_interval_seconds"`
}

func (c PoolScalingConfig) evaluationInterval() time.Duration {
	if c.EvaluationIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.EvaluationIntervalSeconds) * time.Second
}

// QualityGatesConfig is the `quality_gates` section. The gates
// themselves are pluggable; this only carries the on/off toggles a gate
// implementation would read, keyed by gate name. Enabled is a *bool,
// not bool, so an explicit `enabled: false` in the document survives
// the override-onto-defaults merge (mergo can't otherwise tell "false"
// apart from "unset").
type QualityGatesConfig struct {
	Enabled *bool           `yaml:"enabled" json:"enabled"`
	Gates   map[string]bool `yaml:"gates,omitempty" json:"gates,omitempty"`
}

// IsEnabled reports whether quality gates are enabled, defaulting to true
// when unset.
func (c QualityGatesConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Policy is the complete parsed policy document.
type Policy struct {
	Autonomy     AutonomyConfig     `yaml:"autonomy" json:"autonomy"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint" json:"checkpoint"`
	Session      SessionConfig      `yaml:"session" json:"session"`
	Overnight    OvernightConfig    `yaml:"overnight" json:"overnight"`
	PoolScaling  PoolScalingConfig  `yaml:"pool_scaling" json:"pool_scaling"`
	QualityGates QualityGatesConfig `yaml:"quality_gates" json:"quality_gates"`
}

// EvaluationInterval returns how often the autoscaler should be
// re-evaluated, per PoolScaling.EvaluationIntervalSeconds.
func (p Policy) EvaluationInterval() time.Duration {
	return p.PoolScaling.evaluationInterval()
}
