package scans_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/pilotd/pkg/bus"
	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
	"github.com/codeready-toolchain/pilotd/pkg/scan/scans"
	"github.com/codeready-toolchain/pilotd/pkg/session"
)

func TestHealthScanReconcilesDuplicateClaimsKeepingOldest(t *testing.T) {
	root := t.TempDir()
	reg := session.NewRegistry(root)
	b := bus.New(root)

	older := "S-older"
	newer := "S-newer"
	_, err := reg.RecordStart(older, 1, 1, "backend")
	require.NoError(t, err)
	_, err = reg.RecordStart(newer, 2, 1, "backend")
	require.NoError(t, err)
	require.NoError(t, reg.Claim(older, "T1", 60_000))

	got, ok, err := reg.Get(newer)
	require.NoError(t, err)
	require.True(t, ok)
	claimedAt := time.Now().UTC().Add(time.Minute)
	leaseExpires := claimedAt.Add(time.Minute)
	got.ClaimedTaskID = "T1"
	got.ClaimedAt = &claimedAt
	got.LeaseExpiresAt = &leaseExpires
	require.NoError(t, fsstore.WriteJSON(filepath.Join(root, "state", "sessions", newer+".json"), got))

	s := &scans.HealthScan{Registry: reg, Bus: b}
	results, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Summary, "T1")
	assert.Equal(t, older, results[0].Detail["kept_session_id"])

	kept, ok, err := reg.Get(older)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "T1", kept.ClaimedTaskID)

	released, ok, err := reg.Get(newer)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, released.ClaimedTaskID)
}
