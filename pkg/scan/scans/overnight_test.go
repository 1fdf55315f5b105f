package scans_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/overnight"
	"github.com/codeready-toolchain/pilotd/pkg/scan/scans"
)

func TestOvernightScanStopsRunWhenTotalErrorBudgetExceeded(t *testing.T) {
	root := t.TempDir()
	b := bus.New(root)
	mgr := overnight.New(root, overnight.ErrorBudget{MaxTotalFailures: 3})
	_, err := mgr.Start("run-1", "nightly batch", []string{"T1", "T2"})
	require.NoError(t, err)

	for _, taskID := range []string{"T1", "T2", "T1"} {
		_, err := mgr.RecordTaskFailed("run-1", taskID)
		require.NoError(t, err)
	}

	s := &scans.OvernightScan{Manager: mgr, Bus: b}
	results, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Summary, "stopped")
	assert.Equal(t, "stopped", results[0].Detail["status"])

	run, ok, err := mgr.Active()
	require.NoError(t, err)
	assert.False(t, ok, "a stopped run must no longer be active")
	_ = run
}

func TestOvernightScanCompletesRunWhenAllTasksDone(t *testing.T) {
	root := t.TempDir()
	b := bus.New(root)
	mgr := overnight.New(root, overnight.ErrorBudget{MaxTotalFailures: 100})
	_, err := mgr.Start("run-1", "nightly batch", []string{"T1"})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordTaskCompleted("run-1", "T1"))

	s := &scans.OvernightScan{Manager: mgr, Bus: b}
	results, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "completed", results[0].Detail["status"])
}

func TestOvernightScanIsNoopWithoutAnActiveRun(t *testing.T) {
	root := t.TempDir()
	b := bus.New(root)
	mgr := overnight.New(root, overnight.ErrorBudget{})

	s := &scans.OvernightScan{Manager: mgr, Bus: b}
	results, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}
