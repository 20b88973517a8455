package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/circuitbreaker"
	"tradeengine/internal/dedup"
	"tradeengine/internal/domain"
	"tradeengine/internal/executor"
	"tradeengine/internal/locks"
	"tradeengine/internal/ports"
	"tradeengine/internal/sizing"
)

const entryText = "BTCUSDT\n方向：多\n入场：95000\n止损：93000\n止盈：100000"

var src = domain.SignalSource{Platform: "telegram", Channel: "alpha", Author: "trader1", MessageID: "m1"}

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type nopNotifier struct{}

func (nopNotifier) Notify(title, body string, severity domain.NotifySeverity) {}

type fakeVenue struct {
	ports.VenueClient
	balance     float64
	markPrice   float64
	positionAmt float64
	nextID      int64
}

func (f *fakeVenue) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	return f.balance, nil
}

func (f *fakeVenue) GetCurrentPositionAmount(ctx context.Context, symbol string) (float64, error) {
	return f.positionAmt, nil
}

func (f *fakeVenue) HasOpenEntryOrders(ctx context.Context, symbol string) (bool, error) {
	return false, nil
}

func (f *fakeVenue) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return f.markPrice, nil
}

func (f *fakeVenue) GetExchangeInfo(ctx context.Context) (map[string]ports.SymbolInfo, error) {
	return map[string]ports.SymbolInfo{"BTCUSDT": {Symbol: "BTCUSDT", QuantityStep: 0.001}}, nil
}

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeVenue) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	return nil
}

func (f *fakeVenue) place(side domain.OrderSide, typ string, qty, price float64) (*ports.OrderResult, error) {
	f.nextID++
	return &ports.OrderResult{Success: true, OrderID: f.nextID, Side: side, Type: typ, Price: price, Quantity: qty}, nil
}

func (f *fakeVenue) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price float64, clientOrderID string) (*ports.OrderResult, error) {
	return f.place(side, "LIMIT", quantity, price)
}

func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity float64, clientOrderID string) (*ports.OrderResult, error) {
	return f.place(side, "MARKET", quantity, f.markPrice)
}

func (f *fakeVenue) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice float64, clientOrderID string) (*ports.OrderResult, error) {
	return f.place(side, "STOP_MARKET", quantity, stopPrice)
}

func (f *fakeVenue) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice float64, clientOrderID string) (*ports.OrderResult, error) {
	return f.place(side, "TAKE_PROFIT_MARKET", quantity, stopPrice)
}

func (f *fakeVenue) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (f *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]ports.OpenOrder, error) {
	return nil, nil
}

// keyedProvider rejects users not in its map, emulating missing venue
// credentials.
type keyedProvider struct {
	clients map[string]ports.VenueClient
}

func (p *keyedProvider) ForUser(ctx context.Context, userID string) (ports.VenueClient, error) {
	c, ok := p.clients[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ports.ErrInvalidAPIKeys, userID)
	}
	return c, nil
}

type fakeStore struct {
	ports.TradeStore
	openForUser  []*domain.Trade
	realisedLoss float64
	entries      int
	closes       int
}

func (f *fakeStore) FindOpenBySymbol(ctx context.Context, userID, symbol string) (*domain.Trade, error) {
	for _, t := range f.openForUser {
		if t.Symbol == symbol {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindOpenForUser(ctx context.Context, userID string) ([]*domain.Trade, error) {
	return f.openForUser, nil
}

func (f *fakeStore) FindRecentBySignalHash(ctx context.Context, userID, signalHash string, sinceUnixMs int64) ([]*domain.Trade, error) {
	return nil, nil
}

func (f *fakeStore) TodayRealisedLoss(ctx context.Context, userID string) (float64, error) {
	return f.realisedLoss, nil
}

func (f *fakeStore) RecordEntry(ctx context.Context, in ports.RecordEntryInput) (*domain.Trade, error) {
	f.entries++
	return &domain.Trade{TradeID: int64(f.entries), UserID: in.UserID, Symbol: in.Signal.Symbol, Status: domain.TradeOpen}, nil
}

func (f *fakeStore) RecordClose(ctx context.Context, in ports.RecordCloseInput) (*domain.Trade, error) {
	f.closes++
	return &domain.Trade{TradeID: in.TradeID, Status: domain.TradeClosed}, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, ev domain.TradeEvent) error { return nil }

func globals() domain.GlobalDefaults {
	return domain.GlobalDefaults{
		RiskPercent:       0.20,
		MaxDcaPerSymbol:   3,
		DcaRiskMultiplier: 1.0,
		FixedLeverage:     20,
		AllowedSymbols:    []string{"BTCUSDT"},
		DedupEnabled:      true,
		DefaultSymbol:     "BTCUSDT",
	}
}

func newService(t *testing.T, store *fakeStore, venues ports.VenueProvider, users ports.UserDirectory) *TradingService {
	t.Helper()
	clock := ports.SystemClock{}
	var infoVenue ports.VenueClient = &fakeVenue{}
	if kp, ok := venues.(*keyedProvider); ok {
		for _, c := range kp.clients {
			infoVenue = c
			break
		}
	}
	exec, err := executor.New(
		venues,
		store,
		nopNotifier{},
		nopLogger{},
		locks.New(),
		dedup.New(store, clock, 0),
		circuitbreaker.New(store),
		sizing.New(),
		executor.NewSymbolInfoCache(infoVenue, clock),
	)
	require.NoError(t, err)

	svc, err := NewTradingService(nopLogger{}, store, exec, venues, users, NoOverrides{}, globals())
	require.NoError(t, err)
	return svc
}

func TestSubmitSignal_IgnoresUnparseableText(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000}
	svc := newService(t, &fakeStore{}, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	receipt := svc.SubmitSignal(context.Background(), "gm everyone, nice candle", src, "u1")
	assert.Equal(t, StatusIgnored, receipt.Status)
	assert.NotEmpty(t, receipt.SignalID)
}

func TestSubmitSignal_ExecutesEntry(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000}
	store := &fakeStore{}
	svc := newService(t, store, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	receipt := svc.SubmitSignal(context.Background(), entryText, src, "u1")
	assert.Equal(t, StatusExecuted, receipt.Status, receipt.Reason)
	assert.Equal(t, 1, store.entries)
}

func TestSubmitSignal_RejectionCarriesReason(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000, positionAmt: 0.5}
	svc := newService(t, &fakeStore{}, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	receipt := svc.SubmitSignal(context.Background(), entryText, src, "u1")
	assert.Equal(t, StatusRejected, receipt.Status)
	assert.NotEmpty(t, receipt.Reason)
}

func TestBroadcastSignal_SkipsUsersWithoutKeys(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000}
	store := &fakeStore{}
	venues := &keyedProvider{clients: map[string]ports.VenueClient{"u1": venue}}
	users := &StaticUserDirectory{UserIDs: []string{"u1", "u2-no-key"}}
	svc := newService(t, store, venues, users)

	summary, err := svc.BroadcastSignal(context.Background(), entryText, src)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalUsers)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.SkippedNoAPIKey)
	assert.Equal(t, 0, summary.FailCount)
}

func TestBroadcastSignal_UnparseableIsError(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000}
	svc := newService(t, &fakeStore{}, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	_, err := svc.BroadcastSignal(context.Background(), "not a signal", src)
	require.Error(t, err)
}

func TestCloseAllForUser_ClosesEveryOpenTrade(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000, positionAmt: 1.0}
	store := &fakeStore{openForUser: []*domain.Trade{
		{TradeID: 1, UserID: "u1", Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: 95000, EntryQuantity: 1.0, Status: domain.TradeOpen},
	}}
	svc := newService(t, store, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	closed, failed, err := svc.CloseAllForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, store.closes)
}

func TestGetStatus_ReportsCircuitBreaker(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000}
	store := &fakeStore{realisedLoss: 500}
	svc := newService(t, store, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	status, err := svc.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, status.CircuitBreakerActive, "global defaults leave the breaker disabled")
	assert.InDelta(t, 500.0, status.TodayRealisedLoss, 0.001)
}

func TestGetSettings_ResolvesGlobalDefaults(t *testing.T) {
	venue := &fakeVenue{balance: 1000, markPrice: 95000}
	svc := newService(t, &fakeStore{}, &StaticVenueProvider{Client: venue}, &StaticUserDirectory{})

	cfg := svc.GetSettings(context.Background(), "u1")
	assert.InDelta(t, 0.20, cfg.RiskPercent, 1e-9)
	assert.Equal(t, "BTCUSDT", cfg.DefaultSymbol)
	assert.True(t, cfg.AllowsSymbol("BTCUSDT"))
}
