package db

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/margin-trader/internal/asset"
	"github.com/amirphl/margin-trader/internal/db/conf"
	"github.com/amirphl/margin-trader/internal/journal"
	"github.com/amirphl/margin-trader/internal/ledger"
	"github.com/amirphl/margin-trader/internal/position"
	"github.com/amirphl/margin-trader/internal/tick"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Default {
	t.Helper()
	cfg, cleanup := conf.NewTestConfig(t)
	t.Cleanup(cleanup)
	storage, err := New(*cfg)
	require.NoError(t, err)
	return storage
}

func TestPostgresAssets(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	got, err := storage.GetAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	a := asset.Asset{Symbol: "BTCUSDT", Name: "Bitcoin", PriceScale: 4, QtyScale: 0}
	require.NoError(t, storage.SaveAsset(ctx, a))

	// Saving the same symbol again must not overwrite.
	a2 := a
	a2.Name = "Something Else"
	require.NoError(t, storage.SaveAsset(ctx, a2))

	got, err = storage.GetAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Bitcoin", got.Name)
	assert.Equal(t, 4, got.PriceScale)
}

func TestPostgresBalances(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	qty, err := storage.GetBalance(ctx, "user-1", ledger.SettlementAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(0), qty)

	require.NoError(t, storage.Credit(ctx, "user-1", ledger.SettlementAsset, 1000))
	require.NoError(t, storage.Credit(ctx, "user-1", ledger.SettlementAsset, 500))

	qty, err = storage.GetBalance(ctx, "user-1", ledger.SettlementAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), qty)

	require.NoError(t, storage.Debit(ctx, "user-1", ledger.SettlementAsset, 700))

	qty, err = storage.GetBalance(ctx, "user-1", ledger.SettlementAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(800), qty)

	t.Run("insufficient debit leaves balance untouched", func(t *testing.T) {
		err := storage.Debit(ctx, "user-1", ledger.SettlementAsset, 801)
		assert.ErrorIs(t, err, ledger.ErrInsufficient)

		qty, err := storage.GetBalance(ctx, "user-1", ledger.SettlementAsset)
		require.NoError(t, err)
		assert.Equal(t, int64(800), qty)
	})

	t.Run("debit of unknown balance is insufficient", func(t *testing.T) {
		err := storage.Debit(ctx, "user-2", ledger.SettlementAsset, 1)
		assert.ErrorIs(t, err, ledger.ErrInsufficient)
	})

	t.Run("balances listed per user", func(t *testing.T) {
		require.NoError(t, storage.Credit(ctx, "user-3", ledger.SettlementAsset, 42))
		balances, err := storage.GetBalances(ctx, "user-3")
		require.NoError(t, err)
		require.Len(t, balances, 1)
		assert.Equal(t, ledger.Balance{UserID: "user-3", Asset: ledger.SettlementAsset, QtyInt: 42}, balances[0])
	})
}

func TestPostgresPositionLifecycle(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	openedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pos := position.Position{
		ID:           uuid.NewString(),
		UserID:       "user-1",
		Asset:        "BTCUSDT",
		Side:         position.SideBuy,
		Leverage:     10,
		MarginInt:    100,
		QtyInt:       1000,
		OpenPriceInt: 1010000,
		Status:       position.StatusOpen,
		OpenedAt:     openedAt,
	}
	require.NoError(t, storage.CreatePosition(ctx, pos))

	got, err := storage.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, position.StatusOpen, got.Status)
	assert.Nil(t, got.ClosePriceInt)
	assert.Nil(t, got.RealizedPnlInt)
	assert.Nil(t, got.ClosedAt)
	assert.True(t, got.OpenedAt.Equal(openedAt))

	opens, err := storage.GetOpenPositionsByAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, opens, 1)
	assert.Equal(t, pos.ID, opens[0].ID)

	closedAt := openedAt.Add(time.Hour)
	require.NoError(t, storage.ClosePosition(ctx, pos.ID, position.StatusClosed, 1020000, 9, closedAt))

	got, err = storage.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, position.StatusClosed, got.Status)
	require.NotNil(t, got.ClosePriceInt)
	assert.Equal(t, int64(1020000), *got.ClosePriceInt)
	require.NotNil(t, got.RealizedPnlInt)
	assert.Equal(t, int64(9), *got.RealizedPnlInt)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))

	opens, err = storage.GetOpenPositionsByAsset(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, opens)

	t.Run("second close is rejected", func(t *testing.T) {
		err := storage.ClosePosition(ctx, pos.ID, position.StatusLiquidated, 900000, -100, closedAt.Add(time.Minute))
		assert.ErrorIs(t, err, position.ErrNotOpen)

		got, err := storage.GetPosition(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, position.StatusClosed, got.Status)
		assert.Equal(t, int64(1020000), *got.ClosePriceInt)
	})

	t.Run("closing unknown position", func(t *testing.T) {
		err := storage.ClosePosition(ctx, uuid.NewString(), position.StatusClosed, 1, 0, closedAt)
		assert.ErrorIs(t, err, position.ErrNotFound)
	})

	t.Run("user history filtered by status", func(t *testing.T) {
		closed, err := storage.GetPositionsByUser(ctx, "user-1",
			[]position.Status{position.StatusClosed, position.StatusLiquidated})
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.Equal(t, pos.ID, closed[0].ID)

		open, err := storage.GetPositionsByUser(ctx, "user-1", []position.Status{position.StatusOpen})
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}

func TestPostgresTicks(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := []tick.Tick{
		{Timestamp: base, Symbol: "BTCUSDT", PriceInt: 1000000},
		{Timestamp: base, Symbol: "BTCUSDT", PriceInt: 1000000}, // duplicate in-batch
		{Timestamp: base.Add(time.Second), Symbol: "BTCUSDT", PriceInt: 1010000},
		{Timestamp: base, Symbol: "ETHUSDT", PriceInt: 500000},
	}
	require.NoError(t, storage.SaveTicks(ctx, batch))
	// Re-flushing the same batch must be a no-op.
	require.NoError(t, storage.SaveTicks(ctx, batch))

	got, err := storage.GetTicks(ctx, "BTCUSDT", base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000000), got[0].PriceInt)
	assert.Equal(t, int64(1010000), got[1].PriceInt)

	got, err = storage.GetTicks(ctx, "ETHUSDT", base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, storage.SaveTicks(ctx, nil))
}

func TestPostgresEvents(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := journal.Event{
		Time:        at,
		Type:        "POSITION_OPENED",
		Description: "opened BTCUSDT long",
		Data:        map[string]any{"position_id": "abc", "margin_int": float64(100)},
	}
	require.NoError(t, storage.LogEvent(ctx, ev))

	got, err := storage.GetEvents(ctx, "POSITION_OPENED", at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.Description, got[0].Description)
	assert.Equal(t, "abc", got[0].Data["position_id"])
}

// TestPostgresTransactionRollback drives the context transaction plumbing
// directly: an error inside the unit must undo every write in it.
func TestPostgresTransactionRollback(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Credit(ctx, "user-1", ledger.SettlementAsset, 1000))

	tx, err := storage.GetDB().Begin()
	require.NoError(t, err)
	txCtx := WithTransaction(ctx, tx)

	require.NoError(t, storage.Debit(txCtx, "user-1", ledger.SettlementAsset, 400))
	require.NoError(t, tx.Rollback())

	qty, err := storage.GetBalance(ctx, "user-1", ledger.SettlementAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), qty)
}
