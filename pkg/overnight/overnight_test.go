package overnight_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/overnight"
)

func TestStartFailsWhenRunAlreadyActive(t *testing.T) {
	mgr := overnight.New(t.TempDir(), overnight.ErrorBudget{})

	_, err := mgr.Start("run-1", "first", []string{"T1"})
	require.NoError(t, err)

	_, err = mgr.Start("run-2", "second", []string{"T2"})
	assert.Error(t, err)
}

func TestRecordTaskFailedExceedsPerTaskBudget(t *testing.T) {
	mgr := overnight.New(t.TempDir(), overnight.ErrorBudget{MaxFailuresPerTask: 2, MaxTotalFailures: 100})
	_, err := mgr.Start("run-1", "desc", []string{"T1"})
	require.NoError(t, err)

	outcome, err := mgr.RecordTaskFailed("run-1", "T1")
	require.NoError(t, err)
	assert.False(t, outcome.PerTaskExceeded)

	outcome, err = mgr.RecordTaskFailed("run-1", "T1")
	require.NoError(t, err)
	assert.True(t, outcome.PerTaskExceeded)
	assert.False(t, outcome.TotalExceeded)

	run, ok, err := mgr.Active()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, run.TasksFailed, "T1")
	assert.NotContains(t, run.TasksInProgress, "T1")
}

func TestRecordTaskFailedExceedsTotalBudgetAcrossTasks(t *testing.T) {
	mgr := overnight.New(t.TempDir(), overnight.ErrorBudget{MaxFailuresPerTask: 100, MaxTotalFailures: 5})
	_, err := mgr.Start("run-1", "desc", []string{"T1", "T2"})
	require.NoError(t, err)

	var lastOutcome overnight.BudgetOutcome
	tasks := []string{"T1", "T2", "T1", "T2", "T1", "T2"}
	for _, taskID := range tasks {
		lastOutcome, err = mgr.RecordTaskFailed("run-1", taskID)
		require.NoError(t, err)
		if lastOutcome.TotalExceeded {
			break
		}
	}

	assert.True(t, lastOutcome.TotalExceeded)
}

func TestEndGeneratesJSONAndMarkdownReports(t *testing.T) {
	root := t.TempDir()
	mgr := overnight.New(root, overnight.ErrorBudget{})
	_, err := mgr.Start("run-1", "nightly batch", []string{"T1"})
	require.NoError(t, err)
	require.NoError(t, mgr.RecordTaskStarted("run-1", "T1"))
	require.NoError(t, mgr.RecordTaskCompleted("run-1", "T1"))

	final, err := mgr.End("run-1", overnight.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, overnight.StatusCompleted, final.Status)
	assert.NotNil(t, final.EndedAt)

	jsonPath := root + "/state/overnight/reports/run-1.json"
	mdPath := root + "/state/overnight/reports/run-1.md"
	if _, err := os.Stat(jsonPath); err != nil {
		t.Fatalf("expected json report at %s: %v", jsonPath, err)
	}
	if _, err := os.Stat(mdPath); err != nil {
		t.Fatalf("expected markdown report at %s: %v", mdPath, err)
	}
}

func TestIsCompleteRequiresEveryTaskAccountedFor(t *testing.T) {
	mgr := overnight.New(t.TempDir(), overnight.ErrorBudget{})
	run, err := mgr.Start("run-1", "desc", []string{"T1", "T2"})
	require.NoError(t, err)
	assert.False(t, run.IsComplete())

	require.NoError(t, mgr.RecordTaskCompleted("run-1", "T1"))
	run, _, err = mgr.Active()
	require.NoError(t, err)
	assert.False(t, run.IsComplete())

	outcome, err := mgr.RecordTaskFailed("run-1", "T2")
	require.NoError(t, err)
	assert.False(t, outcome.PerTaskExceeded)

	// Without a per-task budget, a single failure never lands T2 in
	// TasksFailed, so mark it complete directly to exercise the
	// "every id accounted for" invariant.
	require.NoError(t, mgr.RecordTaskCompleted("run-1", "T2"))
	run, _, err = mgr.Active()
	require.NoError(t, err)
	assert.True(t, run.IsComplete())
}

func TestRequestDrainIsIdempotent(t *testing.T) {
	mgr := overnight.New(t.TempDir(), overnight.ErrorBudget{})
	_, err := mgr.Start("run-1", "desc", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.RequestDrain("run-1"))
	run, _, err := mgr.Active()
	require.NoError(t, err)
	require.NotNil(t, run.DrainRequestedAt)
	firstRequestedAt := *run.DrainRequestedAt

	require.NoError(t, mgr.RequestDrain("run-1"))
	run, _, err = mgr.Active()
	require.NoError(t, err)
	assert.Equal(t, firstRequestedAt, *run.DrainRequestedAt)
}
