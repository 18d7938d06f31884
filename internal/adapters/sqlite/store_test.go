package sqlite

import (
	"context"
	"testing"
	"time"

	"bracketbot/internal/domain"
	"bracketbot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(Config{
		DBPath: t.TempDir() + "/test.db",
		Logger: noopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPosition(symbol string) *domain.Position {
	return &domain.Position{
		Symbol:     symbol,
		Side:       domain.Long,
		EntryPrice: 2000,
		Quantity:   0.01,
		StopPrice:  1950,
		TakeProfit: 2100,
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
		Status:     domain.StatusEntryPending,
		EntryOrder: domain.OrderRef{
			Intent:         domain.IntentEntry,
			IdempotencyKey: "entry-key-" + symbol,
			Status:         domain.OrderStatusNew,
		},
	}
}

func TestStore_CreateAndFindOpenBySymbol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pos := newTestPosition("ETHUSDT")
	id, err := st.Create(ctx, pos)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
	assert.Equal(t, id, pos.ID)

	got, err := st.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pos.ID, got.ID)
	assert.Equal(t, domain.Long, got.Side)
	assert.Equal(t, domain.StatusEntryPending, got.Status)
	assert.Equal(t, "entry-key-ETHUSDT", got.EntryOrder.IdempotencyKey)
	assert.Equal(t, domain.OrderStatusNew, got.EntryOrder.Status)
	assert.Equal(t, domain.IntentEntry, got.EntryOrder.Intent)

	// No live position for a symbol we never traded.
	none, err := st.FindOpenBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_Create_SecondOpenSameSymbolRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Create(ctx, newTestPosition("ETHUSDT"))
	require.NoError(t, err)

	_, err = st.Create(ctx, newTestPosition("ETHUSDT"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrDuplicateEntry)

	// A different symbol is unaffected.
	_, err = st.Create(ctx, newTestPosition("BTCUSDT"))
	assert.NoError(t, err)
}

func TestStore_Create_AllowedAfterPreviousSettled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := newTestPosition("ETHUSDT")
	_, err := st.Create(ctx, first)
	require.NoError(t, err)

	first.Status = domain.StatusClosed
	first.ExitPrice = 2100
	first.PNL = 1.0
	first.CloseReason = domain.CloseReasonTakeProfit
	first.ClosedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.Settle(ctx, first, domain.NewLedgerEntry(first)))

	_, err = st.Create(ctx, newTestPosition("ETHUSDT"))
	assert.NoError(t, err)
}

func TestStore_Update(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pos := newTestPosition("ETHUSDT")
	_, err := st.Create(ctx, pos)
	require.NoError(t, err)

	pos.Status = domain.StatusTrailing
	pos.TrailingActive = true
	pos.TrailDistance = 25
	pos.HighWaterMark = 2080
	pos.StopPrice = 2055
	pos.StopOrder = domain.OrderRef{
		ExchangeID:     42,
		Intent:         domain.IntentStop,
		IdempotencyKey: "stop-key",
		Status:         domain.OrderStatusNew,
		RetryCount:     2,
	}
	require.NoError(t, st.Update(ctx, pos))

	got, err := st.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusTrailing, got.Status)
	assert.True(t, got.TrailingActive)
	assert.Equal(t, 25.0, got.TrailDistance)
	assert.Equal(t, 2080.0, got.HighWaterMark)
	assert.Equal(t, 2055.0, got.StopPrice)
	assert.Equal(t, int64(42), got.StopOrder.ExchangeID)
	assert.Equal(t, 2, got.StopOrder.RetryCount)
}

func TestStore_Update_NotFound(t *testing.T) {
	st := newTestStore(t)

	pos := newTestPosition("ETHUSDT")
	pos.ID = 999
	err := st.Update(context.Background(), pos)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestStore_FindOpen_SkipsTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	open := newTestPosition("ETHUSDT")
	_, err := st.Create(ctx, open)
	require.NoError(t, err)

	done := newTestPosition("BTCUSDT")
	_, err = st.Create(ctx, done)
	require.NoError(t, err)
	done.Status = domain.StatusClosed
	done.ExitPrice = 50000
	done.ClosedAt = time.Now().UTC()
	done.CloseReason = domain.CloseReasonStopLoss
	require.NoError(t, st.Settle(ctx, done, domain.NewLedgerEntry(done)))

	got, err := st.FindOpen(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
}

func TestStore_Settle_WritesLedgerAtomically(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pos := newTestPosition("ETHUSDT")
	_, err := st.Create(ctx, pos)
	require.NoError(t, err)

	pos.Status = domain.StatusClosed
	pos.ExitPrice = 2100
	pos.Fees = 0.42
	pos.PNL = 0.58
	pos.CloseReason = domain.CloseReasonTrailingStop
	pos.ClosedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.Settle(ctx, pos, domain.NewLedgerEntry(pos)))

	// The snapshot no longer shows a live position.
	live, err := st.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, live)

	// The ledger holds the matching entry.
	entries, err := st.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ETHUSDT", entries[0].Symbol)
	assert.Equal(t, 2100.0, entries[0].ExitPrice)
	assert.Equal(t, 0.58, entries[0].RealizedPNL)
	assert.Equal(t, domain.CloseReasonTrailingStop, entries[0].CloseReason)
}

func TestStore_Settle_RejectsNonTerminalStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pos := newTestPosition("ETHUSDT")
	_, err := st.Create(ctx, pos)
	require.NoError(t, err)

	pos.Status = domain.StatusOpen
	err = st.Settle(ctx, pos, domain.NewLedgerEntry(pos))
	require.Error(t, err)

	// Nothing was written to the ledger.
	entries, err := st.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RealizedPNLSince(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	older := domain.LedgerEntry{
		Symbol: "ETHUSDT", Side: domain.Long,
		EntryPrice: 2000, ExitPrice: 1950, Quantity: 0.01,
		RealizedPNL: -0.5, CloseReason: domain.CloseReasonStopLoss,
		OpenedAt: now.Add(-48 * time.Hour), ClosedAt: now.Add(-30 * time.Hour),
	}
	recent := domain.LedgerEntry{
		Symbol: "ETHUSDT", Side: domain.Long,
		EntryPrice: 2000, ExitPrice: 2100, Quantity: 0.01,
		RealizedPNL: 1.0, CloseReason: domain.CloseReasonTakeProfit,
		OpenedAt: now.Add(-2 * time.Hour), ClosedAt: now.Add(-1 * time.Hour),
	}
	_, err := st.Append(ctx, older)
	require.NoError(t, err)
	_, err = st.Append(ctx, recent)
	require.NoError(t, err)

	total, err := st.RealizedPNLSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)

	all, err := st.RealizedPNLSince(ctx, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, all, 1e-9)
}

func TestStore_Recent_NewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		_, err := st.Append(ctx, domain.LedgerEntry{
			Symbol: "ETHUSDT", Side: domain.Long,
			EntryPrice: 2000, ExitPrice: 2000 + float64(i), Quantity: 0.01,
			RealizedPNL: float64(i), CloseReason: domain.CloseReasonSignal,
			OpenedAt: now.Add(time.Duration(-i-1) * time.Hour),
			ClosedAt: now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	entries, err := st.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2.0, entries[0].RealizedPNL)
	assert.Equal(t, 1.0, entries[1].RealizedPNL)
}
