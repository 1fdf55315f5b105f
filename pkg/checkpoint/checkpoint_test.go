package checkpoint_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/checkpoint"
)

func TestSaveProducesMonotonicVersions(t *testing.T) {
	store := checkpoint.New(t.TempDir(), 0)

	for i := 1; i <= 3; i++ {
		cp, err := store.Save("S-a", checkpoint.Checkpoint{TaskID: "T1", PlanStep: i})
		require.NoError(t, err)
		assert.Equal(t, i, cp.Version)
	}

	latest, ok, err := store.Load("S-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, latest.Version)
}

func TestListHistoryNewestFirstUpToRetention(t *testing.T) {
	store := checkpoint.New(t.TempDir(), 2)

	for i := 1; i <= 5; i++ {
		_, err := store.Save("S-a", checkpoint.Checkpoint{TaskID: "T1", PlanStep: i})
		require.NoError(t, err)
	}

	history, err := store.ListHistory("S-a")
	require.NoError(t, err)
	// versions 1..4 were archived at some point; retention keeps only 2.
	assert.LessOrEqual(t, len(history), 2)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i-1].Version, history[i].Version)
	}
}

func TestLoadMissingSessionReturnsNotOK(t *testing.T) {
	store := checkpoint.New(t.TempDir(), 0)
	_, ok, err := store.Load("S-nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildRestorationPromptIncludesTaskAndSteps(t *testing.T) {
	cp := checkpoint.Checkpoint{
		Version:   2,
		TaskID:    "T9",
		TaskTitle: "Add retries",
		PlanStep:  3,
		TotalSteps: 5,
		CompletedSteps: []checkpoint.Step{
			{Step: 1, Description: "read code", Result: "done"},
		},
	}
	prompt := checkpoint.BuildRestorationPrompt(cp)
	assert.Contains(t, prompt, "T9")
	assert.Contains(t, prompt, "Add retries")
	assert.Contains(t, prompt, fmt.Sprintf("v%d", cp.Version))
}
