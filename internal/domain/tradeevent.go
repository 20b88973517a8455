package domain

import "time"

// TradeEvent is an append-only audit record keyed by auto ID, FK'd to
// the Trade it describes.
type TradeEvent struct {
	ID            int64
	TradeID       int64
	EventType     EventType
	VenueOrderID  int64
	Side          OrderSide
	Type          string // venue order type, e.g. "STOP_MARKET"
	Price         float64
	Quantity      float64
	Success       bool
	ErrorMessage  string
	Detail        string // JSON blob, free-form
	CreatedAt     time.Time
}
