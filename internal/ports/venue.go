package ports

import (
	"context"

	"tradeengine/internal/domain"
)

// OrderResult is the outcome of any venue order call. A rejected order
// (e.g. venue 4xx) is represented as Success=false with ErrorMessage
// set, not as a returned error — only transport-level failures
// (VenueUnreachable) surface as errors.
type OrderResult struct {
	Success      bool
	OrderID      int64
	Side         domain.OrderSide
	Type         string
	Price        float64
	Quantity     float64
	Commission   float64 // 0 when the venue didn't report one
	ErrorMessage string
}

// PositionSnapshot is the subset of venue position-risk data the
// executor needs.
type PositionSnapshot struct {
	Symbol      string
	PositionAmt float64 // signed: positive long, negative short
	EntryPrice  float64
	MarkPrice   float64
	Leverage    int
}

// OpenOrder is a single resting order as reported by the venue.
type OpenOrder struct {
	OrderID   int64
	Symbol    string
	Side      domain.OrderSide
	Type      string // "STOP_MARKET", "TAKE_PROFIT_MARKET", "LIMIT", ...
	Price     float64
	StopPrice float64
	Quantity  float64
}

// SymbolInfo carries the venue's quantity/price precision for a
// symbol, used by PositionSizer to floor at the correct step.
type SymbolInfo struct {
	Symbol        string
	QuantityStep  float64 // e.g. 0.001
	PriceTick     float64
	QuantityDecimals int
	PriceDecimals    int
}

// VenueClient is the narrow interface to the perpetual-futures venue.
// Implementations must honour the failure semantics: query failures
// (GetCurrentPositionAmount, GetActivePositionCount,
// HasOpenEntryOrders, GetMarkPrice) return
// ErrInternalInconsistency/ErrVenueUnreachable rather than a zero
// value, so the executor never opens a position under uncertainty.
type VenueClient interface {
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)
	GetCurrentPositionAmount(ctx context.Context, symbol string) (float64, error)
	GetActivePositionCount(ctx context.Context) (int, error)
	HasOpenEntryOrders(ctx context.Context, symbol string) (bool, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType string) error

	PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price float64, clientOrderID string) (*OrderResult, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*OrderResult, error)
	PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice float64, clientOrderID string) (*OrderResult, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice float64, clientOrderID string) (*OrderResult, error)

	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// User-data-stream listenKey lifecycle.
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	DeleteListenKey(ctx context.Context, listenKey string) error
}

// VenueProvider resolves the VenueClient bound to a user's API
// credentials. Credential storage itself is an external collaborator;
// this is the opaque lookup the engine sees. A user without stored
// keys yields ErrInvalidAPIKeys.
type VenueProvider interface {
	ForUser(ctx context.Context, userID string) (VenueClient, error)
}
