package taskgateway_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/taskgateway"
)

func TestFakeGatewayReadyExcludesBlocked(t *testing.T) {
	g := taskgateway.NewFakeGateway(
		taskgateway.Task{ID: "T1", Status: "ready"},
		taskgateway.Task{ID: "T2", Status: "ready", BlockedBy: []string{"T1"}},
	)

	ready, err := g.Ready(context.Background())
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "T1", ready[0].ID)
}

func TestFakeGatewayClaimRejectsSecondClaimant(t *testing.T) {
	g := taskgateway.NewFakeGateway(taskgateway.Task{ID: "T1", Status: "ready"})
	require.NoError(t, g.Claim(context.Background(), "T1", "S-a"))
	err := g.Claim(context.Background(), "T1", "S-b")
	assert.Error(t, err)
}

func TestFakeGatewayCloseUpdatesStatus(t *testing.T) {
	g := taskgateway.NewFakeGateway(taskgateway.Task{ID: "T1", Status: "ready"})
	require.NoError(t, g.Close(context.Background(), "T1"))

	tasks, err := g.List(context.Background(), taskgateway.Filter{Status: "closed"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}
