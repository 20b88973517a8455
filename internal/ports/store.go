package ports

import (
	"context"

	"tradeengine/internal/domain"
)

// TradeStore persists Trade/TradeEvent and owns profit/commission
// accounting.
type TradeStore interface {
	// FindOpenBySymbol returns the OPEN trade for (userID, symbol), or
	// nil if none exists (I1: at most one).
	FindOpenBySymbol(ctx context.Context, userID, symbol string) (*domain.Trade, error)

	// FindOpenForUser returns every OPEN trade for a user, across all
	// symbols — used by the symbol-fallback rule.
	FindOpenForUser(ctx context.Context, userID string) ([]*domain.Trade, error)

	// FindRecentBySignalHash supports Deduplicator: trades created for
	// (userID, signalHash) since the given cutoff.
	FindRecentBySignalHash(ctx context.Context, userID, signalHash string, sinceUnixMs int64) ([]*domain.Trade, error)

	// RecordEntry inserts a fresh OPEN trade.
	RecordEntry(ctx context.Context, in RecordEntryInput) (*domain.Trade, error)

	// RecordDcaEntry folds a DCA leg into an existing OPEN trade,
	// updating its weighted-average entry price.
	RecordDcaEntry(ctx context.Context, in RecordDcaInput) (*domain.Trade, error)

	// RecordClose fully closes a trade and computes profit.
	RecordClose(ctx context.Context, in RecordCloseInput) (*domain.Trade, error)

	// RecordPartialClose records a partial close, leaving the trade OPEN
	// with its remaining quantity reduced.
	RecordPartialClose(ctx context.Context, in RecordPartialCloseInput) (*domain.Trade, error)

	// RecordCloseFromStream is the stream-driven counterpart of
	// RecordClose/RecordPartialClose; the store decides full-vs-partial
	// using the 0.999 fraction rule.
	RecordCloseFromStream(ctx context.Context, in RecordStreamCloseInput) (*domain.Trade, error)

	// RecordMoveSL updates the stored stop-loss after a MOVE_SL.
	RecordMoveSL(ctx context.Context, tradeID int64, newStopLoss float64) error

	// RecordCancel marks a trade CANCELLED.
	RecordCancel(ctx context.Context, tradeID int64, reason domain.ExitReason) error

	// AppendEvent appends an audit record.
	AppendEvent(ctx context.Context, ev domain.TradeEvent) error

	// TodayRealisedLoss sums the losses (negative netProfit, returned as
	// a positive number) of a user's trades closed since the venue's day
	// boundary. A nil netProfit counts as a loss of the trade's full
	// risked amount, never as zero.
	TodayRealisedLoss(ctx context.Context, userID string) (float64, error)

	// CleanupStaleTrades cancels OPEN trades the venue no longer shows
	// a position for.
	CleanupStaleTrades(ctx context.Context, positionChecker func(ctx context.Context, userID, symbol string) (float64, error)) error
}

type RecordEntryInput struct {
	UserID       string
	Signal       *domain.TradeSignal
	Side         domain.PositionSide
	EntryOrder   *OrderResult
	SLOrder      *OrderResult
	TakeProfits  []float64
	Leverage     int
	RiskAmount   float64
	SignalHash   string
	AuthorName   string
}

type RecordDcaInput struct {
	TradeID           int64
	NewQuantity       float64
	NewPrice          float64
	NewCommission     float64
	NewStopLoss       *float64
}

type RecordCloseInput struct {
	TradeID      int64
	CloseOrder   *OrderResult
	ExitPrice    float64
	ExitReason   domain.ExitReason
}

type RecordPartialCloseInput struct {
	TradeID    int64
	CloseOrder *OrderResult
	ExitPrice  float64
	CloseQty   float64
	ExitReason domain.ExitReason
}

type RecordStreamCloseInput struct {
	UserID              string
	Symbol              string
	ExitPrice           float64
	FilledQty           float64
	Commission          float64
	RealizedPnl         float64
	OrderID             int64
	Reason              domain.ExitReason
	TxnTimeUnixMs       int64
}
