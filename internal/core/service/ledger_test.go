package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pickline/internal/core/domain"
)

func TestLedger_Adjust(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	tablet := env.registerTablet(t, "tablet-1")
	code := domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"}

	first, err := env.ledger.Adjust(ctx, Adjustment{ItemCode: code, PhysicalDelta: 20, ReservedDelta: 5, Reason: "receipt", Actor: "stocker"})
	require.NoError(t, err)
	assert.Equal(t, 0, first.PreviousPhysical)
	assert.Equal(t, 20, first.PhysicalQuantity)
	assert.Equal(t, 15, first.AvailableQuantity)
	assert.Equal(t, domain.SourceAdjustment, first.Source)
	assert.Equal(t, "adjusted physical +20 reserved +5: receipt", first.Action)
	assert.Empty(t, first.RequestNumber)

	second, err := env.ledger.Adjust(ctx, Adjustment{ItemCode: code, PhysicalDelta: -2, Actor: "stocker"})
	require.NoError(t, err)
	assert.Equal(t, 20, second.PreviousPhysical)
	assert.Equal(t, 18, second.PhysicalQuantity)
	assert.Equal(t, 5, second.ReservedQuantity)

	snap, err := env.ledger.LatestFor(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 18, snap.Physical)
	assert.Equal(t, 13, snap.Available)

	assert.Len(t, tablet.events(domain.EventInventoryAdjusted), 2)
	assert.Equal(t, 2, env.publisher.count(domain.EventInventoryAdjusted))
}

func TestLedger_AdjustRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.ledger.Adjust(ctx, Adjustment{ItemCode: domain.ItemCode{DeviceID: "D1"}, PhysicalDelta: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.ledger.Adjust(ctx, Adjustment{ItemCode: domain.ItemCode{DeviceID: "D1", ProductCode: "P"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLedger_LatestForUnknownItemIsZero(t *testing.T) {
	env := newTestEnv(t)
	code := domain.ItemCode{DeviceID: "D1", ProductCode: "P-404"}

	snap, err := env.ledger.LatestFor(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroSnapshot(code), snap)
}

func TestLedger_HistoryLimits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	code := domain.ItemCode{DeviceID: "D1", ProductCode: "P-100"}
	for i := 0; i < defaultHistoryLimit+5; i++ {
		_, err := env.ledger.Adjust(ctx, Adjustment{ItemCode: code, PhysicalDelta: 1, Reason: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	history, err := env.ledger.History(ctx, code, 0)
	require.NoError(t, err)
	assert.Len(t, history, defaultHistoryLimit)
	assert.Equal(t, defaultHistoryLimit+5, history[0].PhysicalQuantity)

	history, err = env.ledger.History(ctx, code, 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	history, err = env.ledger.History(ctx, code, maxHistoryLimit*2)
	require.NoError(t, err)
	assert.Len(t, history, defaultHistoryLimit+5)

	_, err = env.ledger.History(ctx, domain.ItemCode{}, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
