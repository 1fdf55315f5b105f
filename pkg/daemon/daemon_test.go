package daemon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/daemon"
	"github.com/codeready-toolchain/pilotd/pkg/daemon/metrics"
	"github.com/codeready-toolchain/pilotd/pkg/scan"
)

func TestRunOnceCompletesWithoutSpawningAnything(t *testing.T) {
	root := t.TempDir()
	state := daemon.NewPmState(root, "S-pm-test")
	log := scan.NewActionLog(root)
	loop := scan.NewLoop(nil, nil, nil, log, state, time.Now())

	d := daemon.New(daemon.Config{ProjectRoot: root, Once: true}, state, loop)
	require.NoError(t, d.Run(context.Background()))

	snap := state.Snapshot()
	assert.Equal(t, int64(1), snap.TickCount)
	assert.Equal(t, int64(0), snap.AgentsSpawned)
}

func TestRunRefusesSecondInstance(t *testing.T) {
	root := t.TempDir()
	state1 := daemon.NewPmState(root, "S-pm-a")
	log := scan.NewActionLog(root)
	loop1 := scan.NewLoop(nil, nil, nil, log, state1, time.Now())
	d1 := daemon.New(daemon.Config{ProjectRoot: root}, state1, loop1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d1.Run(ctx) }()

	// Give the first instance a moment to acquire the lock and write the
	// PID file before the second instance probes for it.
	time.Sleep(50 * time.Millisecond)

	state2 := daemon.NewPmState(root, "S-pm-b")
	loop2 := scan.NewLoop(nil, nil, nil, log, state2, time.Now())
	d2 := daemon.New(daemon.Config{ProjectRoot: root}, state2, loop2)
	err := d2.Run(context.Background())
	assert.ErrorIs(t, err, daemon.ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestSetMetricsSyncsGauges(t *testing.T) {
	root := t.TempDir()
	state := daemon.NewPmState(root, "S-pm-test")
	log := scan.NewActionLog(root)
	loop := scan.NewLoop(nil, nil, nil, log, state, time.Now())

	d := daemon.New(daemon.Config{ProjectRoot: root, Once: true}, state, loop)
	d.SetMetrics(metrics.New(), daemon.FleetCounts{
		ActiveSessions: func() int { return 3 },
		SpawnedRunning: func() int { return 1 },
	})

	require.NoError(t, d.Run(context.Background()))
	assert.NotNil(t, d.Metrics())
}
