package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pickline/internal/adapter/storage"
	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

func TestComplete_DeductsStockAndCompletesRequest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.stock(t, "D1", "P-100", 20, 5)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 3))
	device := env.registerDevice(t, "D1")
	tablet := env.registerTablet(t, "tablet-1")

	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ColorGreen, device.lastDisplay(t).Color)

	res, err := env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1, DeviceID: "D1"})
	require.NoError(t, err)

	assert.False(t, res.AlreadyCompleted)
	assert.True(t, res.RequestCompleted)
	assert.Equal(t, domain.RequestStatusCompleted, res.Request.Status)
	assert.Equal(t, domain.LineItemStatusCompleted, res.LineItem.Status)
	assert.Equal(t, "D1", res.LineItem.CompletedBy)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, 20, res.Transaction.PreviousPhysical)
	assert.Equal(t, 17, res.Transaction.PhysicalQuantity)
	assert.Equal(t, 2, res.Transaction.ReservedQuantity)
	assert.Equal(t, 15, res.Transaction.AvailableQuantity)
	assert.Equal(t, domain.SourcePicking, res.Transaction.Source)

	snap, err := env.ledger.LatestFor(ctx, domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"})
	require.NoError(t, err)
	assert.Equal(t, 17, snap.Physical)

	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.False(t, state.Held)

	assert.Equal(t, domain.MessageStandby, device.lastDisplay(t).Message)
	assert.Len(t, tablet.events(domain.EventItemCompleted), 1)
	assert.Len(t, tablet.events(domain.EventRequestCompleted), 1)
	assert.Equal(t, 1, env.publisher.count(domain.EventItemCompleted))
	assert.Equal(t, 1, env.publisher.count(domain.EventRequestCompleted))
}

func TestComplete_RepeatedReportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.stock(t, "D1", "P-100", 10, 3)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 3))
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)

	report := domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1, DeviceID: "D1"}
	_, err = env.completion.Complete(ctx, report)
	require.NoError(t, err)

	again, err := env.completion.Complete(ctx, report)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCompleted)
	assert.False(t, again.RequestCompleted)
	assert.Nil(t, again.Transaction)

	history, err := env.ledger.History(ctx, domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 7, history[0].PhysicalQuantity)
	assert.Equal(t, 1, env.publisher.count(domain.EventRequestCompleted))
}

func TestComplete_ConcurrentReportsDeductOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.stock(t, "D1", "P-100", 50, 10)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 4), line(2, "D2", "P-200", 1))
	tablet := env.registerTablet(t, "tablet-1")
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)

	const reporters = 25
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < reporters; i++ {
		wg.Add(2)
		for _, ln := range []int{1, 2} {
			go func(ln int) {
				defer wg.Done()
				res, err := env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: ln})
				if assert.NoError(t, err) && !res.AlreadyCompleted {
					applied.Add(1)
				}
			}(ln)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(2), applied.Load())

	history, err := env.ledger.History(ctx, domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"}, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 46, history[0].PhysicalQuantity)
	assert.Equal(t, 6, history[0].ReservedQuantity)

	req, err := env.picking.GetRequest(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCompleted, req.Status)
	assert.Len(t, tablet.events(domain.EventRequestCompleted), 1)
}

func TestComplete_RequestStaysOpenUntilEveryLineIsDone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1), line(2, "D1", "P-101", 2))
	device := env.registerDevice(t, "D1")
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, device.lastDisplay(t).LineNumber)

	res, err := env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1, DeviceID: "D1"})
	require.NoError(t, err)
	assert.False(t, res.RequestCompleted)
	assert.Equal(t, domain.RequestStatusInProgress, res.Request.Status)

	// the device moves on to its next pending line
	next := device.lastDisplay(t)
	assert.Equal(t, domain.ColorGreen, next.Color)
	assert.Equal(t, 2, next.LineNumber)

	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.Held)

	res, err = env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 2, DeviceID: "D1"})
	require.NoError(t, err)
	assert.True(t, res.RequestCompleted)
	require.NotNil(t, res.Request.CompletedAt)
}

func TestComplete_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1), line(2, "D2", "P-200", 1))
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)
	_, err = env.picking.AbortRequest(ctx, "R-1", "alice")
	require.NoError(t, err)

	_, err = env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 9})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-404", LineNumber: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	history, err := env.ledger.History(ctx, domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"}, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestComplete_PublishFailureDoesNotFailCompletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.publisher.err = errStoreDown
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1))

	res, err := env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1})
	require.NoError(t, err)
	assert.True(t, res.RequestCompleted)
	assert.NotZero(t, env.logs.FilterMessage("integration event not published").Len())
}

func TestComplete_LedgerFailureRollsBackStatus(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	env := newTestEnvWithStore(t, func(m *storage.MemoryAdapter) port.Store {
		return failingAppendStore{MemoryAdapter: m, fail: &fail}
	})
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 2))
	tablet := env.registerTablet(t, "tablet-1")
	report := domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1, DeviceID: "D1"}
	code := domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"}
	_, err := env.picking.StartRequest(ctx, "R-1", "alice")
	require.NoError(t, err)

	_, err = env.completion.Complete(ctx, report)
	require.ErrorIs(t, err, domain.ErrPersistenceUnavailable)

	req, err := env.picking.GetRequest(ctx, "R-1")
	require.NoError(t, err)
	item, _ := req.LineItem(1)
	assert.Equal(t, domain.LineItemStatusPending, item.Status)
	assert.Nil(t, item.CompletedAt)
	assert.Equal(t, domain.RequestStatusInProgress, req.Status)
	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.Held)

	history, err := env.ledger.History(ctx, code, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, tablet.events(domain.EventItemCompleted))
	assert.Zero(t, env.publisher.count(domain.EventItemCompleted))

	// the report can be retried once the store is back
	fail.Store(false)
	res, err := env.completion.Complete(ctx, report)
	require.NoError(t, err)
	assert.False(t, res.AlreadyCompleted)
	assert.True(t, res.RequestCompleted)

	history, err = env.ledger.History(ctx, code, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, -2, history[0].PhysicalQuantity)
	assert.Len(t, tablet.events(domain.EventItemCompleted), 1)
}

func TestComplete_OtherRequestKeepsDeviceDisplay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createRequest(t, "R-1", line(1, "D1", "P-100", 1))
	env.createRequest(t, "R-2", line(1, "D1", "P-200", 4))
	device := env.registerDevice(t, "D1")
	_, err := env.picking.StartRequest(ctx, "R-2", "alice")
	require.NoError(t, err)
	pick := device.lastDisplay(t)
	require.Equal(t, domain.ColorGreen, pick.Color)
	require.Equal(t, "R-2", pick.RequestNumber)

	// R-1 never took the lock, so its completion must not blank the R-2 pick
	res, err := env.completion.Complete(ctx, domain.CompletionReport{RequestNumber: "R-1", LineNumber: 1, DeviceID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, domain.LineItemStatusCompleted, res.LineItem.Status)

	assert.Equal(t, pick, device.lastDisplay(t))
	state, err := env.lock.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R-2", state.HolderRequestNumber)
}
