package domain

import "time"

// Trade is the unified record of a position's lifecycle, owned by
// TradeStore. Primary key TradeID; indexed by (UserID, Symbol, Status).
// Invariant I1: at most one OPEN Trade per (UserID, Symbol) — enforced
// at the store by a partial unique index, not in this struct.
type Trade struct {
	TradeID int64
	UserID  string
	Symbol  string
	Side    PositionSide

	// Entry
	EntryPrice      float64 // weighted average over DCA legs
	EntryQuantity   float64
	EntryCommission float64
	EntryOrderID    int64
	EntryTime       time.Time
	Leverage        int
	RiskAmount      float64

	// Protection
	StopLoss    float64
	TakeProfits []float64

	// Partial-close tracking — both nil when never partially closed (I3)
	RemainingQuantity   *float64
	TotalClosedQuantity *float64

	// DCA
	DcaCount int

	// Exit
	ExitPrice      float64
	ExitQuantity   float64
	ExitCommission float64
	ExitOrderID    int64
	ExitTime       time.Time
	ExitReason     ExitReason

	// Accounting — nil whenever inputs were missing (AccountingSkipped)
	GrossProfit *float64
	Commission  *float64
	NetProfit   *float64

	// Lifecycle
	Status    TradeStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// Attribution
	SignalHash       string
	SourceAuthorName string
}

// EffectiveOpenQuantity is RemainingQuantity if a partial close has
// occurred, else EntryQuantity (GLOSSARY: "effective open quantity").
func (t *Trade) EffectiveOpenQuantity() float64 {
	if t.RemainingQuantity != nil {
		return *t.RemainingQuantity
	}
	return t.EntryQuantity
}

// IsOpen reports whether the trade is still live on the venue.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeOpen
}
