package media

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgate-server/pkg/errors"
)

func TestGovernor_PerUserCeiling(t *testing.T) {
	cfg := newTestMediaConfig()
	cfg.MaxConnectionsPerUser = 2
	g := NewGovernor(cfg, clock.NewMock(), newTestLogger())

	require.NoError(t, g.Admit("alice", "10.0.0.1:5060"))
	require.NoError(t, g.Admit("alice", "10.0.0.1:5060"))
	assert.Equal(t, 2, g.ActiveFor("alice"))

	err := g.Admit("alice", "10.0.0.1:5060")
	require.Error(t, err)
	assert.Equal(t, "RATE_EXCEEDED", errors.GetErrorCode(err))
	assert.Equal(t, 2, g.ActiveFor("alice"))

	// Other identities have their own budget
	require.NoError(t, g.Admit("bob", "10.0.0.2:5060"))
}

func TestGovernor_ReleaseFreesSlot(t *testing.T) {
	cfg := newTestMediaConfig()
	cfg.MaxConnectionsPerUser = 1
	g := NewGovernor(cfg, clock.NewMock(), newTestLogger())

	require.NoError(t, g.Admit("alice", "10.0.0.1:5060"))
	require.Error(t, g.Admit("alice", "10.0.0.1:5060"))

	g.Release("alice")
	assert.Equal(t, 0, g.ActiveFor("alice"))
	require.NoError(t, g.Admit("alice", "10.0.0.1:5060"))

	// Releasing an unknown identity is harmless
	g.Release("nobody")
	g.Release("")
}

func TestGovernor_AttemptWindow(t *testing.T) {
	mock := clock.NewMock()
	cfg := newTestMediaConfig()
	cfg.MaxAttemptsPerWindow = 3
	cfg.AttemptWindow = time.Minute
	cfg.MaxConnectionsPerUser = 100
	g := NewGovernor(cfg, mock, newTestLogger())

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Admit(fmt.Sprintf("user-%d", i), "10.0.0.1:5060"))
	}

	err := g.Admit("user-4", "10.0.0.1:5060")
	require.Error(t, err)
	assert.Equal(t, "RATE_EXCEEDED", errors.GetErrorCode(err))

	// A different source is not affected
	require.NoError(t, g.Admit("user-5", "10.0.0.2:5060"))

	// The window slides
	mock.Add(61 * time.Second)
	require.NoError(t, g.Admit("user-6", "10.0.0.1:5060"))
}

func TestGovernor_AnonymousSkipsUserCeiling(t *testing.T) {
	cfg := newTestMediaConfig()
	cfg.MaxConnectionsPerUser = 1
	cfg.MaxAttemptsPerWindow = 10
	g := NewGovernor(cfg, clock.NewMock(), newTestLogger())

	// Without an identity only the per-source attempt window applies
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Admit("", "10.0.0.1:5060"))
	}
	assert.Equal(t, 0, g.ActiveFor(""))
}

func TestGovernor_Stats(t *testing.T) {
	cfg := newTestMediaConfig()
	g := NewGovernor(cfg, clock.NewMock(), newTestLogger())

	require.NoError(t, g.Admit("alice", "10.0.0.1:5060"))
	require.NoError(t, g.Admit("alice", "10.0.0.1:5060"))
	require.NoError(t, g.Admit("bob", "10.0.0.2:5060"))

	stats := g.Stats()
	assert.Equal(t, 2, stats["identities_active"])
	assert.Equal(t, 3, stats["sessions_active"])
}
