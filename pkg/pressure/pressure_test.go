package pressure_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/pressure"
)

func TestRecordToolCallAccumulatesBytes(t *testing.T) {
	tr := pressure.New(t.TempDir())
	require.NoError(t, tr.RecordToolCall("S-a", 1000))
	require.NoError(t, tr.RecordToolCall("S-a", 2000))

	s, err := tr.State("S-a")
	require.NoError(t, err)
	assert.Equal(t, 2, s.ToolCallCount)
	assert.EqualValues(t, 3000, s.EstimatedOutputBytes)
}

func TestNudgeFiresOnceThenRequiresTenPointClimb(t *testing.T) {
	tr := pressure.New(t.TempDir())
	threshold := 50

	// Push past 50% once.
	require.NoError(t, tr.RecordToolCall("S-a", int64(float64(pressure.EstimatedContextBytes)*0.55)))
	nudge, s, err := tr.CheckAndNudge("S-a", threshold)
	require.NoError(t, err)
	assert.True(t, nudge)
	assert.GreaterOrEqual(t, s.PctEstimate(), threshold)

	// Still above threshold but hasn't climbed 10 more points: no re-nudge.
	nudge, _, err = tr.CheckAndNudge("S-a", threshold)
	require.NoError(t, err)
	assert.False(t, nudge)

	// Climb another 15 points: re-nudge fires.
	require.NoError(t, tr.RecordToolCall("S-a", int64(float64(pressure.EstimatedContextBytes)*0.15)))
	nudge, _, err = tr.CheckAndNudge("S-a", threshold)
	require.NoError(t, err)
	assert.True(t, nudge)
}

func TestResetClearsCounters(t *testing.T) {
	tr := pressure.New(t.TempDir())
	require.NoError(t, tr.RecordToolCall("S-a", 500))
	require.NoError(t, tr.Reset("S-a"))

	s, err := tr.State("S-a")
	require.NoError(t, err)
	assert.Zero(t, s.ToolCallCount)
}

func TestPctEstimateCapsAt100(t *testing.T) {
	s := pressure.State{EstimatedOutputBytes: pressure.EstimatedContextBytes * 5}
	assert.Equal(t, 100, s.PctEstimate())
}
