package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/gorilla/websocket"

	"tradeengine/internal/domain"
	"tradeengine/internal/locks"
	"tradeengine/internal/ports"
)

const (
	takerCommissionRate   = 0.0004
	defaultKeepAliveEvery = 30 * time.Minute
	pingInterval          = 30 * time.Second
	readIdleTimeout       = 180 * time.Second
)

// Config tunes the consumer's WebSocket endpoint and reconnect policy.
type Config struct {
	WSBaseURL          string // e.g. wss://fstream.binance.com
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	MaxAttempts        int
	KeepAliveInterval  time.Duration
}

// Consumer owns a single venue user-data-stream connection for one
// user: listenKey lifecycle, reconnect handling, and translating fill
// events the Executor didn't place synchronously (SL/TP triggers) into
// TradeStore writes and Notifier alerts.
type Consumer struct {
	venue    ports.VenueClient
	store    ports.TradeStore
	notifier ports.Notifier
	logger   ports.Logger
	locks    *locks.Registry

	userID string
	cfg    Config

	coordinator *ReconnectCoordinator

	connMu      sync.Mutex
	conn        *websocket.Conn
	listenKey   string
	stopCh      chan struct{}
	stoppedOnce sync.Once
}

// New builds a Consumer for userID. cfg's zero-value fields fall back
// to sane defaults (mainnet backoff guidance, 30-minute keepalive).
func New(venue ports.VenueClient, store ports.TradeStore, notifier ports.Notifier, logger ports.Logger, lockRegistry *locks.Registry, userID string, cfg Config) *Consumer {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveEvery
	}
	c := &Consumer{
		venue:    venue,
		store:    store,
		notifier: notifier,
		logger:   logger,
		locks:    lockRegistry,
		userID:   userID,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	c.coordinator = NewReconnectCoordinator(notifier, logger, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxAttempts, c.reconnect)
	return c
}

// Start creates a listenKey, opens the WebSocket connection, and
// begins the keepalive loop. It returns once the first connection
// attempt has been dispatched; connection and reconnection continue
// in background goroutines until Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	key, err := c.venue.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("stream: create listen key: %w", err)
	}
	c.connMu.Lock()
	c.listenKey = key
	c.connMu.Unlock()

	go c.connect(ctx)
	go c.keepAliveLoop(ctx)

	return nil
}

// Stop tears down the connection and deletes the listenKey. Safe to
// call more than once.
func (c *Consumer) Stop(ctx context.Context) {
	c.stoppedOnce.Do(func() {
		close(c.stopCh)
	})
	c.coordinator.Shutdown()

	c.connMu.Lock()
	key := c.listenKey
	conn := c.conn
	c.connMu.Unlock()

	if conn != nil {
		c.coordinator.MarkSelfInitiatedClose()
		conn.Close()
	}
	if key != "" {
		if err := c.venue.DeleteListenKey(ctx, key); err != nil {
			c.logger.Warn(ctx, "stream: failed to delete listen key on shutdown", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (c *Consumer) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			key := c.listenKey
			c.connMu.Unlock()
			if key == "" {
				continue
			}
			if err := c.venue.KeepAliveListenKey(ctx, key); err != nil {
				c.logger.Warn(ctx, "stream: listen key keepalive failed", map[string]interface{}{"error": err.Error(), "userID": c.userID})
			}
		}
	}
}

// connect dials the WebSocket once; success/failure feed the
// ReconnectCoordinator, which calls reconnect again on a backoff timer.
func (c *Consumer) connect(ctx context.Context) {
	select {
	case <-c.stopCh:
		return
	default:
	}

	c.connMu.Lock()
	wsURL := c.cfg.WSBaseURL + "/ws/" + c.listenKey
	c.connMu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		c.coordinator.OnFailure(err)
		return
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.coordinator.OnOpen()

	// Read-idle watchdog: each frame (or pong) pushes the deadline out;
	// 180s of silence fails the read and triggers a reconnect.
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	done := make(chan struct{})
	go c.pingLoop(conn, done)
	c.readLoop(ctx, conn)
	close(done)
}

// pingLoop keeps the connection alive until done closes.
func (c *Consumer) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// reconnect is the ReconnectCoordinator's retry callback.
func (c *Consumer) reconnect() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	go c.connect(context.Background())
}

func (c *Consumer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()

			select {
			case <-c.stopCh:
				return
			default:
			}
			c.coordinator.OnClosed(false)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		c.handleMessage(ctx, message)
	}
}

// handleMessage dispatches one raw frame. A panic anywhere in the
// handling chain is caught, logged, and surfaced as a yellow
// notification rather than crashing the read loop.
func (c *Consumer) handleMessage(ctx context.Context, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, fmt.Errorf("%v", r), "stream: panic handling message")
			c.notifier.Notify("Stream record failed", "An internal error occurred while processing a stream event.", domain.SeverityYellow)
		}
	}()

	envelope, err := simplejson.NewJson(message)
	if err != nil {
		c.logger.Warn(ctx, "stream: failed to parse message envelope", map[string]interface{}{"error": err.Error()})
		return
	}
	eventType := envelope.Get("e").MustString()

	switch eventType {
	case "ORDER_TRADE_UPDATE":
		c.handleOrderTradeUpdate(ctx, message)
	case "listenKeyExpired":
		c.handleListenKeyExpired(ctx)
	default:
		// ACCOUNT_UPDATE, MARGIN_CALL and anything else: no action needed.
	}
}

func (c *Consumer) handleListenKeyExpired(ctx context.Context) {
	key, err := c.venue.CreateListenKey(ctx)
	if err != nil {
		c.logger.Error(ctx, err, "stream: failed to refresh expired listen key")
		return
	}
	c.connMu.Lock()
	c.listenKey = key
	conn := c.conn
	c.connMu.Unlock()

	if conn != nil {
		c.coordinator.MarkSelfInitiatedClose()
		conn.Close()
	}
	// The close above is suppressed by the coordinator, so dial the
	// replacement connection ourselves.
	go c.connect(ctx)
}

type orderTradeUpdateEvent struct {
	EventType string               `json:"e"`
	Order     orderTradeUpdatePart `json:"o"`
}

type orderTradeUpdatePart struct {
	Symbol              string  `json:"s"`
	Side                string  `json:"S"`
	OrderType           string  `json:"o"`
	OrderStatus         string  `json:"X"`
	OrderID             int64   `json:"i"`
	CumulativeFilledQty float64 `json:"z,string"`
	AveragePrice        float64 `json:"ap,string"`
	CommissionAsset     string  `json:"N"`
	Commission          float64 `json:"n,string"`
	RealizedProfit      float64 `json:"rp,string"`
	OrderTradeTime      int64   `json:"T"`
}

// handleOrderTradeUpdate implements the ORDER_TRADE_UPDATE handling
// rules: LIMIT fills are ignored (the Executor records entries
// synchronously), STOP_MARKET/TAKE_PROFIT_MARKET fills close or
// partially close the trade, and their cancellation/expiry mark
// protection as lost.
func (c *Consumer) handleOrderTradeUpdate(ctx context.Context, message []byte) {
	var ev orderTradeUpdateEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		c.logger.Warn(ctx, "stream: failed to decode ORDER_TRADE_UPDATE", map[string]interface{}{"error": err.Error()})
		return
	}
	order := ev.Order

	switch order.OrderType {
	case "LIMIT":
		return
	case "STOP_MARKET":
		c.handleProtectionOrder(ctx, order, domain.ExitSLTriggered, domain.EventSLLost, domain.SeverityRed)
	case "TAKE_PROFIT_MARKET":
		c.handleProtectionOrder(ctx, order, domain.ExitTPTriggered, domain.EventTPLost, domain.SeverityYellow)
	}
}

func (c *Consumer) handleProtectionOrder(ctx context.Context, order orderTradeUpdatePart, triggerReason domain.ExitReason, lostEvent domain.EventType, lostSeverity domain.NotifySeverity) {
	switch order.OrderStatus {
	case "FILLED":
		c.recordFill(ctx, order, triggerReason)
	case "CANCELED", "EXPIRED":
		c.recordProtectionLost(ctx, order, lostEvent, lostSeverity)
	}
}

// recordFill serialises against executor operations on the same
// (userID, symbol) via the shared lock registry: whichever side runs
// second observes the already-updated Trade.
func (c *Consumer) recordFill(ctx context.Context, order orderTradeUpdatePart, reason domain.ExitReason) {
	unlock := c.locks.Lock(c.userID, order.Symbol, locks.OperationToken())
	defer unlock()

	commission := order.Commission
	if order.CommissionAsset != "USDT" {
		commission = order.AveragePrice * order.CumulativeFilledQty * takerCommissionRate
	}

	_, err := c.store.RecordCloseFromStream(ctx, ports.RecordStreamCloseInput{
		UserID:        c.userID,
		Symbol:        order.Symbol,
		ExitPrice:     order.AveragePrice,
		FilledQty:     order.CumulativeFilledQty,
		Commission:    commission,
		RealizedPnl:   order.RealizedProfit,
		OrderID:       order.OrderID,
		Reason:        reason,
		TxnTimeUnixMs: order.OrderTradeTime,
	})
	if err != nil {
		c.logger.Error(ctx, err, "stream: failed to record close from stream", map[string]interface{}{"symbol": order.Symbol, "userID": c.userID})
		c.notifier.Notify("Stream record failed", fmt.Sprintf("Failed to record %s close for %s.", reason, order.Symbol), domain.SeverityYellow)
		return
	}

	severity := domain.SeverityGreen
	if reason == domain.ExitSLTriggered {
		severity = domain.SeverityRed
	}
	c.notifier.Notify(fmt.Sprintf("%s %s", order.Symbol, reason), fmt.Sprintf("Closed %.4f @ %.4f", order.CumulativeFilledQty, order.AveragePrice), severity)
}

func (c *Consumer) recordProtectionLost(ctx context.Context, order orderTradeUpdatePart, eventType domain.EventType, severity domain.NotifySeverity) {
	trade, err := c.store.FindOpenBySymbol(ctx, c.userID, order.Symbol)
	if err != nil || trade == nil {
		return
	}
	_ = c.store.AppendEvent(ctx, domain.TradeEvent{
		TradeID:   trade.TradeID,
		EventType: eventType,
		Detail:    fmt.Sprintf("order %d %s", order.OrderID, order.OrderStatus),
	})
	c.notifier.Notify(fmt.Sprintf("%s protection lost", order.Symbol), string(eventType), severity)
}
