package policyfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/policyfile"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := policyfile.Load(filepath.Join(t.TempDir(), "policy.yaml"))
	require.NoError(t, err)
	assert.Equal(t, policyfile.AutonomySupervised, cfg.Autonomy.Mode)
	assert.Equal(t, 80, cfg.Checkpoint.PressureThresholdPct)
	assert.True(t, cfg.QualityGates.IsEnabled())
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
autonomy:
  mode: full
checkpoint:
  pressure_threshold_pct: 70
pool_scaling:
  max: 8
  scale_up:
    queue_ratio: 2.0
overnight:
  error_budget:
    max_total_failures: 20
quality_gates:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := policyfile.Load(path)
	require.NoError(t, err)

	assert.Equal(t, policyfile.AutonomyFull, cfg.Autonomy.Mode)
	assert.True(t, cfg.Autonomy.Blocks())
	assert.Equal(t, 70, cfg.Checkpoint.PressureThresholdPct)
	assert.Equal(t, 8, cfg.PoolScaling.Max)
	assert.Equal(t, 0, cfg.PoolScaling.Min) // untouched default survives the merge
	assert.Equal(t, 2.0, cfg.PoolScaling.ScaleUp.QueueRatio)
	assert.Equal(t, 20, cfg.Overnight.ErrorBudget.MaxTotalFailures)
	assert.False(t, cfg.QualityGates.IsEnabled())
}

func TestLoadRejectsInvalidPressureThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  pressure_threshold_pct: 150\n"), 0o644))

	_, err := policyfile.Load(path)
	require.Error(t, err)
	var verr *policyfile.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEnvExpandSubstitutesVariables(t *testing.T) {
	t.Setenv("PILOT_TEST_MODE", "full")
	out := policyfile.ExpandEnv([]byte("mode: ${PILOT_TEST_MODE}"))
	assert.Equal(t, "mode: full", string(out))
}
