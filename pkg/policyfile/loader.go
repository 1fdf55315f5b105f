package policyfile

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the policy document at path, expands environment variables,
// merges it onto Default() (non-zero values in the file override the
// built-in defaults), validates the result, and returns it. A missing
// file is not an error: Load returns Default() unmodified, since an
// operator may run the daemon with no policy.yaml at all.
func Load(path string) (*Policy, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if verr := validate(cfg); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, &LoadError{Path: path, Err: err}
	}

	data = ExpandEnv(data)

	var fromFile Policy
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}

	if err := mergo.Merge(cfg, &fromFile, mergo.WithOverride, mergo.WithoutDereference); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("merge onto defaults: %w", err)}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(p *Policy) error {
	switch p.Autonomy.Mode {
	case AutonomyFull, AutonomyGuided, AutonomySupervised, "":
	default:
		return &ValidationError{Section: "autonomy", Field: "mode", Err: fmt.Errorf("unrecognized mode %q", p.Autonomy.Mode)}
	}
	if p.Checkpoint.PressureThresholdPct <= 0 || p.Checkpoint.PressureThresholdPct > 100 {
		return &ValidationError{Section: "checkpoint", Field: "pressure_threshold_pct", Err: fmt.Errorf("must be in (0,100], got %d", p.Checkpoint.PressureThresholdPct)}
	}
	if p.Session.MaxConcurrentSessions <= 0 {
		return &ValidationError{Section: "session", Field: "max_concurrent_sessions", Err: fmt.Errorf("must be positive, got %d", p.Session.MaxConcurrentSessions)}
	}
	if p.PoolScaling.Min < 0 {
		return &ValidationError{Section: "pool_scaling", Field: "min", Err: fmt.Errorf("must be >= 0, got %d", p.PoolScaling.Min)}
	}
	if p.PoolScaling.Max < p.PoolScaling.Min {
		return &ValidationError{Section: "pool_scaling", Field: "max", Err: fmt.Errorf("max (%d) must be >= min (%d)", p.PoolScaling.Max, p.PoolScaling.Min)}
	}
	if p.Overnight.ErrorBudget.MaxTotalFailures <= 0 {
		return &ValidationError{Section: "overnight", Field: "error_budget.max_total_failures", Err: fmt.Errorf("must be positive, got %d", p.Overnight.ErrorBudget.MaxTotalFailures)}
	}
	return nil
}
