// Package binanceclient adapts github.com/adshao/go-binance/v2/futures
// to ports.VenueClient, covering the full order/position/stream
// surface the executor needs.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.VenueClient using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // overrides the network default when set
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty; client will only work for public endpoints")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
		cfg.Logger.Info(context.Background(), "Binance client configured with explicit base URL", map[string]interface{}{"baseURL": client.BaseURL})
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for testnet", map[string]interface{}{"baseURL": client.BaseURL})
	default:
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{futuresClient: client, logger: cfg.Logger}, nil
}

// NewClientOrderID produces an idempotent client order ID so a retried
// submission after a network timeout never double-places an order.
func NewClientOrderID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// handleError translates Binance API errors into ports sentinel
// errors: ErrVenueRejected when the venue received and refused the
// request, ErrVenueUnreachable for transport/timeout/cancellation.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003, -1021, -1022:
			mappedErr = ports.ErrVenueUnreachable
		default:
			mappedErr = ports.ErrVenueRejected
		}
		finalErr := fmt.Errorf("%s: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s: %w: %w", operation, ports.ErrVenueUnreachable, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s: %w: %w", operation, ports.ErrVenueUnreachable, err)
	default:
		finalErr = fmt.Errorf("%s: %w: %w", operation, ports.ErrVenueUnreachable, err)
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// preflight wraps a query failure with ErrInternalInconsistency:
// GetCurrentPositionAmount/GetActivePositionCount/HasOpenEntryOrders/
// GetMarkPrice guard an executor decision and must never fall back to
// a zero value on failure.
func preflight(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, ports.ErrInternalInconsistency, err)
}

func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAvailableBalance"
	balances, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, preflight(op, c.handleError(ctx, err, op))
	}
	for _, b := range balances {
		if b.Asset == asset {
			v, err := strconv.ParseFloat(b.AvailableBalance, 64)
			if err != nil {
				return 0, preflight(op, fmt.Errorf("parsing available balance %q: %w", b.AvailableBalance, err))
			}
			return v, nil
		}
	}
	return 0, preflight(op, fmt.Errorf("asset %s not found in account balances", asset))
}

func (c *Client) GetCurrentPositionAmount(ctx context.Context, symbol string) (float64, error) {
	op := "GetCurrentPositionAmount"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, preflight(op, c.handleError(ctx, err, op))
	}
	if len(positions) == 0 {
		return 0, nil
	}
	amt, err := strconv.ParseFloat(positions[0].PositionAmt, 64)
	if err != nil {
		return 0, preflight(op, fmt.Errorf("parsing positionAmt %q: %w", positions[0].PositionAmt, err))
	}
	return amt, nil
}

func (c *Client) GetActivePositionCount(ctx context.Context) (int, error) {
	op := "GetActivePositionCount"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return 0, preflight(op, c.handleError(ctx, err, op))
	}
	count := 0
	for _, p := range positions {
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return 0, preflight(op, fmt.Errorf("parsing positionAmt %q: %w", p.PositionAmt, err))
		}
		if amt != 0 {
			count++
		}
	}
	return count, nil
}

func (c *Client) HasOpenEntryOrders(ctx context.Context, symbol string) (bool, error) {
	op := "HasOpenEntryOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return false, preflight(op, c.handleError(ctx, err, op))
	}
	for _, o := range orders {
		if o.Type == futures.OrderTypeLimit || o.Type == futures.OrderTypeMarket {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, preflight(op, c.handleError(ctx, err, op))
	}
	if len(tickers) == 0 {
		return 0, preflight(op, fmt.Errorf("no price data returned for symbol %s", symbol))
	}
	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		return 0, preflight(op, fmt.Errorf("parsing mark price %q: %w", tickers[0].MarkPrice, err))
	}
	return price, nil
}

func (c *Client) GetExchangeInfo(ctx context.Context) (map[string]ports.SymbolInfo, error) {
	op := "GetExchangeInfo"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, preflight(op, c.handleError(ctx, err, op))
	}

	result := make(map[string]ports.SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		si := ports.SymbolInfo{Symbol: s.Symbol}
		if lot := s.LotSizeFilter(); lot != nil {
			if step, err := strconv.ParseFloat(lot.StepSize, 64); err == nil {
				si.QuantityStep = step
			}
		}
		if price := s.PriceFilter(); price != nil {
			if tick, err := strconv.ParseFloat(price.TickSize, 64); err == nil {
				si.PriceTick = tick
			}
		}
		si.QuantityDecimals = s.QuantityPrecision
		si.PriceDecimals = s.PricePrecision
		result[s.Symbol] = si
	}
	return result, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

func (c *Client) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	op := "SetMarginType"
	err := c.futuresClient.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginType(marginType)).Do(ctx)
	if err != nil {
		// Binance returns -4046 "No need to change margin type" when it's
		// already set; that isn't a failure from the caller's point of view.
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil
		}
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "marginType": marginType})
	return nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price float64, clientOrderID string) (*ports.OrderResult, error) {
	op := "PlaceLimitOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(formatFloat(quantity)).
		Price(formatFloat(price)).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	return c.resultOrRejected(ctx, order, err, op)
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*ports.OrderResult, error) {
	op := "PlaceMarketOrder"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatFloat(quantity)).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	return c.resultOrRejected(ctx, order, err, op)
}

func (c *Client) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice float64, clientOrderID string) (*ports.OrderResult, error) {
	op := "PlaceStopLoss"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeStopMarket).
		Quantity(formatFloat(quantity)).
		StopPrice(formatFloat(stopPrice)).
		ReduceOnly(true).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	return c.resultOrRejected(ctx, order, err, op)
}

func (c *Client) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice float64, clientOrderID string) (*ports.OrderResult, error) {
	op := "PlaceTakeProfit"
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeTakeProfitMarket).
		Quantity(formatFloat(quantity)).
		StopPrice(formatFloat(stopPrice)).
		ReduceOnly(true).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	return c.resultOrRejected(ctx, order, err, op)
}

// resultOrRejected distinguishes a venue-level rejection (returned as
// OrderResult{Success:false}, per ports.OrderResult's doc comment)
// from a transport failure (returned as an error).
func (c *Client) resultOrRejected(ctx context.Context, order *futures.CreateOrderResponse, err error, op string) (*ports.OrderResult, error) {
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			c.logger.Warn(ctx, op+" rejected by venue", map[string]interface{}{"code": apiErr.Code, "message": apiErr.Message})
			return &ports.OrderResult{Success: false, ErrorMessage: apiErr.Message}, nil
		}
		return nil, c.handleError(ctx, err, op)
	}
	result := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": order.Symbol, "orderID": result.OrderID})
	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResult, error) {
	op := "CancelOrder"
	res, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			// Order already gone (filled/cancelled): reported as an
			// unsuccessful cancel result rather than a transport error.
			return &ports.OrderResult{Success: false, ErrorMessage: apiErr.Message}, nil
		}
		return nil, c.handleError(ctx, err, op)
	}
	price, _ := strconv.ParseFloat(res.Price, 64)
	qty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return &ports.OrderResult{Success: true, OrderID: res.OrderID, Side: domain.OrderSide(res.Side), Type: string(res.Type), Price: price, Quantity: qty}, nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]ports.OpenOrder, error) {
	op := "GetOpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	result := make([]ports.OpenOrder, 0, len(orders))
	for _, o := range orders {
		price, _ := strconv.ParseFloat(o.Price, 64)
		stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		result = append(result, ports.OpenOrder{
			OrderID:   o.OrderID,
			Symbol:    o.Symbol,
			Side:      domain.OrderSide(o.Side),
			Type:      string(o.Type),
			Price:     price,
			StopPrice: stopPrice,
			Quantity:  qty,
		})
	}
	return result, nil
}

func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	op := "CreateListenKey"
	key, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}
	return key, nil
}

func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	op := "KeepAliveListenKey"
	err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

func (c *Client) DeleteListenKey(ctx context.Context, listenKey string) error {
	op := "DeleteListenKey"
	err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResult {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	fillPrice := avgPrice
	if fillPrice == 0 {
		fillPrice = price
	}

	return &ports.OrderResult{
		Success:  true,
		OrderID:  order.OrderID,
		Side:     domain.OrderSide(order.Side),
		Type:     string(order.Type),
		Price:    fillPrice,
		Quantity: execQty,
	}
}

