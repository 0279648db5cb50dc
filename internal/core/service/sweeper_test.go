package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pickline/internal/core/domain"
)

func newTestSweeper(t *testing.T, env *testEnv) *Sweeper {
	t.Helper()
	s, err := NewSweeper(env.deps, SweeperConfig{Interval: time.Minute, StaleAfter: 10 * time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestNewSweeper_RejectsZeroDurations(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewSweeper(env.deps, SweeperConfig{Interval: time.Minute})
	assert.Error(t, err)
	_, err = NewSweeper(env.deps, SweeperConfig{StaleAfter: time.Minute})
	assert.Error(t, err)
}

func TestSweeper_ReportsStaleLineItems(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tablet := env.registerTablet(t, "tablet-1")
	s := newTestSweeper(t, env)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1), line(2, "D2", "P-200", 1))
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)
	_, err = env.picking.StartLineItem(ctx, "R-1", 1, "alice", "")
	require.NoError(t, err)

	stale, err := s.CheckStaleLineItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Empty(t, tablet.events(domain.EventStaleLineItems))

	env.clock.Advance(11 * time.Minute)
	stale, err = s.CheckStaleLineItems(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "R-1", stale[0].RequestNumber)
	assert.Equal(t, 1, stale[0].LineNumber)
	assert.Equal(t, "alice", stale[0].StartedBy)
	assert.Len(t, tablet.events(domain.EventStaleLineItems), 1)

	// reporting never changes the line item
	req, err := env.picking.GetRequest(ctx, "R-1")
	require.NoError(t, err)
	item, _ := req.LineItem(1)
	assert.Equal(t, domain.LineItemStatusInProgress, item.Status)
}

func TestSweeper_HeartbeatReleasesLockOfCompletedRequest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := newTestSweeper(t, env)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1))

	// a completion committed while the lock release was lost
	now := env.clock.Now()
	_, err := env.store.Requests().UpdateLineItemStatus(ctx, "R-1", 1, domain.LineItemStatusCompleted, "D1", now)
	require.NoError(t, err)
	done, err := env.store.Requests().MarkRequestCompleted(ctx, "R-1", now)
	require.NoError(t, err)
	require.True(t, done)
	_, err = env.lock.TryAcquire(ctx, "R-1", "alice")
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx))

	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.False(t, state.Held)
}

func TestSweeper_HeartbeatPushesState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := newTestSweeper(t, env)
	tablet := env.registerTablet(t, "tablet-1")
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1))
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)
	before := len(tablet.events(domain.EventLockStatusUpdate))

	require.NoError(t, s.Heartbeat(ctx))

	assert.NotEmpty(t, tablet.events(domain.EventDeviceStatusUpdate))
	locks := tablet.events(domain.EventLockStatusUpdate)
	require.Len(t, locks, before+1)
	assert.True(t, locks[len(locks)-1].(domain.LockState).Held)

	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.Held)
}
