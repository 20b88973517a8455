package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})   {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := New(Config{DBPath: filepath.Join(dir, "test.db"), Logger: nopLogger{}})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func entrySignal(symbol string, stopLoss float64) *domain.TradeSignal {
	return &domain.TradeSignal{Symbol: symbol, SignalType: domain.SignalEntry, StopLoss: stopLoss}
}

func TestRecordEntry_ThenFindOpenBySymbol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID: "u1",
		Signal: entrySignal("BTCUSDT", 93000),
		Side:   domain.Long,
		EntryOrder: &ports.OrderResult{
			Success: true, OrderID: 1, Price: 95000, Quantity: 0.1, Commission: 0.5,
		},
		TakeProfits: []float64{100000},
		Leverage:    10,
		RiskAmount:  200,
		SignalHash:  "hash1",
		AuthorName:  "trader1",
	})
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.Equal(t, 95000.0, trade.EntryPrice)
	assert.Equal(t, []float64{100000}, trade.TakeProfits)

	found, err := st.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, trade.TradeID, found.TradeID)
}

func TestRecordEntry_EnforcesOneOpenPerSymbol(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	in := ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 95000, Quantity: 0.1},
		RiskAmount: 200,
		SignalHash: "hash1",
	}
	_, err := st.RecordEntry(ctx, in)
	require.NoError(t, err)

	in.SignalHash = "hash2"
	_, err = st.RecordEntry(ctx, in)
	assert.Error(t, err)
}

func TestRecordDcaEntry_WeightedAveragePrice(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
		SignalHash: "hash1",
	})
	require.NoError(t, err)

	updated, err := st.RecordDcaEntry(ctx, ports.RecordDcaInput{
		TradeID: trade.TradeID, NewQuantity: 10, NewPrice: 80,
	})
	require.NoError(t, err)
	// (100*10 + 80*10) / 20 = 90
	assert.InDelta(t, 90.0, updated.EntryPrice, 0.0001)
	assert.Equal(t, 20.0, updated.EntryQuantity)
	assert.Equal(t, 1, updated.DcaCount)
	assert.Nil(t, updated.RemainingQuantity)
	assert.Nil(t, updated.TotalClosedQuantity)
}

func TestRecordDcaEntry_AfterPartialCloseUsesRemainingQuantity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	_, err = st.RecordPartialClose(ctx, ports.RecordPartialCloseInput{
		TradeID: trade.TradeID, ExitPrice: 110, CloseQty: 4, ExitReason: domain.ExitTPTriggered,
	})
	require.NoError(t, err)

	updated, err := st.RecordDcaEntry(ctx, ports.RecordDcaInput{
		TradeID: trade.TradeID, NewQuantity: 6, NewPrice: 80,
	})
	require.NoError(t, err)
	// effective open qty is 6 after the partial close: (100*6 + 80*6) / 12 = 90
	assert.InDelta(t, 90.0, updated.EntryPrice, 0.0001)
	assert.Equal(t, 12.0, updated.EntryQuantity)
	assert.Nil(t, updated.RemainingQuantity, "partial-close tracking resets on DCA")
	assert.Nil(t, updated.TotalClosedQuantity)
}

func TestRecordClose_ComputesNetProfitForLong(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10, Commission: 1},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	closed, err := st.RecordClose(ctx, ports.RecordCloseInput{
		TradeID:    trade.TradeID,
		CloseOrder: &ports.OrderResult{OrderID: 2, Commission: 1},
		ExitPrice:  110,
		ExitReason: domain.ExitTPTriggered,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, closed.Status)
	require.NotNil(t, closed.GrossProfit)
	assert.InDelta(t, 100.0, *closed.GrossProfit, 0.0001) // (110-100)*10
	require.NotNil(t, closed.NetProfit)
	assert.InDelta(t, 98.0, *closed.NetProfit, 0.0001) // 100 - (1+1)
}

func TestRecordClose_ShortSideSignFlips(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Short,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	closed, err := st.RecordClose(ctx, ports.RecordCloseInput{
		TradeID: trade.TradeID, ExitPrice: 90, ExitReason: domain.ExitTPTriggered,
	})
	require.NoError(t, err)
	require.NotNil(t, closed.GrossProfit)
	assert.InDelta(t, 100.0, *closed.GrossProfit, 0.0001) // (100-90)*10
}

func TestRecordPartialClose_LeavesTradeOpen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	updated, err := st.RecordPartialClose(ctx, ports.RecordPartialCloseInput{
		TradeID: trade.TradeID, ExitPrice: 110, CloseQty: 4, ExitReason: domain.ExitTPTriggered,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, updated.Status)
	require.NotNil(t, updated.RemainingQuantity)
	assert.Equal(t, 6.0, *updated.RemainingQuantity)
	require.NotNil(t, updated.TotalClosedQuantity)
	assert.Equal(t, 4.0, *updated.TotalClosedQuantity)
}

func TestRecordCloseFromStream_FullCloseAbove999Threshold(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	closed, err := st.RecordCloseFromStream(ctx, ports.RecordStreamCloseInput{
		UserID: "u1", Symbol: "BTCUSDT", ExitPrice: 105, FilledQty: 9.999,
		Commission: 1, RealizedPnl: 50, OrderID: 2, Reason: domain.ExitSLTriggered,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, closed.Status)
	require.NotNil(t, closed.GrossProfit)
	assert.InDelta(t, 50.0, *closed.GrossProfit, 0.0001) // (105-100)*10
	require.NotNil(t, closed.NetProfit)
	// entry commission estimated at 100*10*0.0002=0.2, exit reported 1
	assert.InDelta(t, 48.8, *closed.NetProfit, 0.0001)
	_ = trade
}

func TestRecordCloseFromStream_PartialBelowThreshold(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	updated, err := st.RecordCloseFromStream(ctx, ports.RecordStreamCloseInput{
		UserID: "u1", Symbol: "BTCUSDT", ExitPrice: 105, FilledQty: 3,
		Commission: 0.5, RealizedPnl: 15, OrderID: 2, Reason: domain.ExitTPTriggered,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TradeOpen, updated.Status)
	assert.Equal(t, domain.PartialSuffix(domain.ExitTPTriggered), updated.ExitReason)
}

func TestRecordCancel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	err = st.RecordCancel(ctx, trade.TradeID, domain.ExitCancel)
	require.NoError(t, err)

	found, err := st.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestAppendEvent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 200,
	})
	require.NoError(t, err)

	err = st.AppendEvent(ctx, domain.TradeEvent{
		TradeID: trade.TradeID, EventType: domain.EventEntryPlaced, Success: true,
	})
	require.NoError(t, err)
}

func TestTodayRealisedLoss_NilNetProfitCountsAsRiskAmount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 150,
	})
	require.NoError(t, err)

	// Close directly via SQL without accounting, to simulate AccountingSkipped.
	_, err = st.db.ExecContext(ctx, `UPDATE trades SET status='CLOSED', exit_time=datetime('now'), net_profit=NULL WHERE id=?`, trade.TradeID)
	require.NoError(t, err)

	loss, err := st.TodayRealisedLoss(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 150.0, loss)
}

func TestTodayRealisedLoss_SumsOnlyNegativeNetProfits(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 150,
	})
	require.NoError(t, err)

	_, err = st.RecordClose(ctx, ports.RecordCloseInput{TradeID: trade.TradeID, ExitPrice: 90, ExitReason: domain.ExitSLTriggered})
	require.NoError(t, err)

	loss, err := st.TodayRealisedLoss(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 100.56, loss, 0.0001) // (100-90)*10 loss plus estimated commission: 0.2 entry (2 bps) + 0.36 exit (4 bps)
}

func TestCleanupStaleTrades_CancelsWhenVenueHasNoPosition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	trade, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 150,
	})
	require.NoError(t, err)

	err = st.CleanupStaleTrades(ctx, func(ctx context.Context, userID, symbol string) (float64, error) {
		return 0, nil
	})
	require.NoError(t, err)

	found, err := st.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, found)
	_ = trade
}

func TestCleanupStaleTrades_LeavesOpenWhenVenueStillHasPosition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:     "u1",
		Signal:     entrySignal("BTCUSDT", 93000),
		Side:       domain.Long,
		EntryOrder: &ports.OrderResult{OrderID: 1, Price: 100, Quantity: 10},
		RiskAmount: 150,
	})
	require.NoError(t, err)

	err = st.CleanupStaleTrades(ctx, func(ctx context.Context, userID, symbol string) (float64, error) {
		return 10, nil
	})
	require.NoError(t, err)

	found, err := st.FindOpenBySymbol(ctx, "u1", "BTCUSDT")
	require.NoError(t, err)
	assert.NotNil(t, found)
}
