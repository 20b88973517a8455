package domain

// SignalSource is opaque attribution for where a raw signal came from:
// platform/channel/author/message, passed through unexamined by the
// parser and executor, persisted alongside the Trade it produces.
type SignalSource struct {
	Platform  string
	Channel   string
	Author    string
	MessageID string
}

// TradeSignal is the canonical, immutable result of parsing a raw text
// message. A signal matching ENTRY but missing a stop-loss is still
// returned with StopLoss == 0; rejecting it is the executor's job, not
// the parser's.
type TradeSignal struct {
	Symbol     string
	Side       *PositionSide // nil when the grammar doesn't carry a side (e.g. some CLOSE/CANCEL notices)
	SignalType SignalType

	EntryPriceLow  float64
	EntryPriceHigh float64

	StopLoss      float64
	TakeProfits   []float64
	NewStopLoss   *float64
	NewTakeProfit *float64

	CloseRatio float64 // (0,1], defaults to 1.0 when unset
	IsDca      bool

	RawMessage string
	Source     SignalSource
}

// EntryPrice returns the midpoint of the entry range, which collapses
// to a single value when EntryPriceLow == EntryPriceHigh (the common
// case for narrative "X附近" signals and trigger-line signals).
func (s *TradeSignal) EntryPrice() float64 {
	return (s.EntryPriceLow + s.EntryPriceHigh) / 2
}

// EffectiveCloseRatio returns CloseRatio, defaulting to full close.
func (s *TradeSignal) EffectiveCloseRatio() float64 {
	if s.CloseRatio <= 0 {
		return 1.0
	}
	return s.CloseRatio
}
