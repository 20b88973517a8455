// Package executor implements the trade state machine: ENTRY (incl.
// DCA), MOVE_SL, CLOSE (full/partial) and CANCEL, each running under
// the (userID, symbol) lock with the fail-safe escalation chain for
// entries whose stop-loss could not be placed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"tradeengine/internal/circuitbreaker"
	"tradeengine/internal/dedup"
	"tradeengine/internal/domain"
	"tradeengine/internal/locks"
	"tradeengine/internal/ports"
	"tradeengine/internal/sizing"
)

const (
	// maxPriceDeviation rejects entries whose price is too far from the
	// current mark price, usually a stale or mis-parsed signal.
	maxPriceDeviation = 0.10

	// slTpRetryAttempts bounds retries of SL/TP placement on transport
	// failures. Venue rejections are never retried.
	slTpRetryAttempts = 3

	// fullCloseFraction is the filled-quantity fraction above which a
	// close is treated as full rather than partial.
	fullCloseFraction = 0.999
)

// Result is the outcome of one executor operation. Rejections carry a
// human-readable Reason and a sentinel-wrapped Err so callers can
// branch with errors.Is; Trade is set when a persistence write
// happened.
type Result struct {
	Success bool
	Reason  string
	Err     error
	Trade   *domain.Trade
}

func rejected(reason string, err error) *Result {
	return &Result{Success: false, Reason: reason, Err: err}
}

// Executor drives every venue-mutating operation. All collaborators
// are injected as narrow interfaces so the state machine is testable
// with fakes.
type Executor struct {
	venues   ports.VenueProvider
	store    ports.TradeStore
	notifier ports.Notifier
	logger   ports.Logger
	locks    *locks.Registry
	dedup    *dedup.Deduplicator
	breaker  *circuitbreaker.Breaker
	sizer    *sizing.PositionSizer
	symbols  *SymbolInfoCache

	// venueDown tracks the "connection lost" gap so the red alert
	// fires once per gap, cleared by the next successful venue call.
	venueDownMu sync.Mutex
	venueDown   bool
}

func New(venues ports.VenueProvider, store ports.TradeStore, notifier ports.Notifier, logger ports.Logger, lockRegistry *locks.Registry, deduplicator *dedup.Deduplicator, breaker *circuitbreaker.Breaker, sizer *sizing.PositionSizer, symbols *SymbolInfoCache) (*Executor, error) {
	if venues == nil || store == nil || notifier == nil || logger == nil || lockRegistry == nil || deduplicator == nil || breaker == nil || sizer == nil || symbols == nil {
		return nil, fmt.Errorf("missing required dependencies for Executor")
	}
	return &Executor{
		venues:   venues,
		store:    store,
		notifier: notifier,
		logger:   logger,
		locks:    lockRegistry,
		dedup:    deduplicator,
		breaker:  breaker,
		sizer:    sizer,
		symbols:  symbols,
	}, nil
}

// ExecuteSignal dispatches a parsed signal to the matching operation.
// The effective config has already been resolved by the caller.
func (e *Executor) ExecuteSignal(ctx context.Context, userID string, sig *domain.TradeSignal, cfg domain.EffectiveConfig) *Result {
	switch sig.SignalType {
	case domain.SignalEntry:
		return e.ExecuteEntry(ctx, userID, sig, cfg)
	case domain.SignalMoveSL:
		return e.ExecuteMoveSL(ctx, userID, sig, cfg)
	case domain.SignalClose:
		return e.ExecuteClose(ctx, userID, sig.Symbol, sig.EffectiveCloseRatio(), sig.NewStopLoss, sig.NewTakeProfit, domain.ExitManualClose)
	case domain.SignalCancel:
		return e.ExecuteCancel(ctx, userID, sig.Symbol)
	default:
		return rejected(fmt.Sprintf("unsupported signal type %s", sig.SignalType), ports.ErrSignalRejected)
	}
}

// --- venue-gap alerting ---

func (e *Executor) noteVenueErr(err error) {
	if !errors.Is(err, ports.ErrVenueUnreachable) {
		return
	}
	e.venueDownMu.Lock()
	alreadyDown := e.venueDown
	e.venueDown = true
	e.venueDownMu.Unlock()
	if !alreadyDown {
		e.notifier.Notify("Venue connection lost", "Transport failure talking to the venue; operations will be rejected until it recovers.", domain.SeverityRed)
	}
}

func (e *Executor) noteVenueOK() {
	e.venueDownMu.Lock()
	e.venueDown = false
	e.venueDownMu.Unlock()
}

// --- ENTRY (incl. DCA) ---

// ExecuteEntry runs the full entry choreography: guard checks, sizing,
// leverage, LIMIT entry, STOP_MARKET stop-loss with the fail-safe
// escalation chain, take-profits, persistence.
func (e *Executor) ExecuteEntry(ctx context.Context, userID string, sig *domain.TradeSignal, cfg domain.EffectiveConfig) *Result {
	op := "ExecuteEntry"
	unlock := e.locks.Lock(userID, sig.Symbol, locks.OperationToken())
	defer unlock()

	// 1. Dedup + whitelist.
	if cfg.DedupEnabled {
		isDup, err := e.dedup.IsDuplicate(ctx, sig, userID)
		if err != nil {
			e.logger.Warn(ctx, op+": dedup check failed, proceeding without it", map[string]interface{}{"error": err.Error()})
		} else if isDup {
			return rejected("重複訊號，已忽略", ports.ErrSignalRejected)
		}
	}
	if !cfg.AllowsSymbol(sig.Symbol) {
		return rejected(fmt.Sprintf("%s 不在允許的交易對清單", sig.Symbol), ports.ErrSignalRejected)
	}

	venue, err := e.venues.ForUser(ctx, userID)
	if err != nil {
		return rejected("no venue credentials for user", err)
	}

	// 2. Balance.
	balance, err := venue.GetAvailableBalance(ctx, "USDT")
	if err != nil {
		e.noteVenueErr(err)
		return rejected("前置檢查失敗：無法取得餘額", fmt.Errorf("%w: %w", ports.ErrInternalInconsistency, err))
	}
	e.noteVenueOK()

	// 3. Circuit breaker.
	if err := e.breaker.Check(ctx, userID, cfg); err != nil {
		if errors.Is(err, ports.ErrCircuitBreakerTripped) {
			e.notifier.Notify("Circuit breaker tripped", fmt.Sprintf("User %s: 今日虧損已達上限，拒絕新倉。", userID), domain.SeverityRed)
			return rejected("今日虧損已達上限", err)
		}
		return rejected("前置檢查失敗：無法取得當日損益", err)
	}

	// 4. Venue guards.
	positionAmt, err := venue.GetCurrentPositionAmount(ctx, sig.Symbol)
	if err != nil {
		e.noteVenueErr(err)
		return rejected("前置檢查失敗：無法查詢持倉", err)
	}

	var openTrade *domain.Trade
	side := sig.Side
	if !sig.IsDca {
		if positionAmt != 0 {
			return rejected(fmt.Sprintf("%s 已有持倉，忽略新訊號", sig.Symbol), ports.ErrSignalRejected)
		}
	} else {
		if positionAmt == 0 {
			return rejected(fmt.Sprintf("%s 無持倉可加倉", sig.Symbol), ports.ErrSignalRejected)
		}
		openTrade, err = e.store.FindOpenBySymbol(ctx, userID, sig.Symbol)
		if err != nil {
			return rejected("前置檢查失敗：無法讀取交易記錄", err)
		}
		if openTrade == nil {
			return rejected(fmt.Sprintf("%s 有持倉但無交易記錄，無法加倉", sig.Symbol), ports.ErrSignalRejected)
		}
		if side != nil && *side != openTrade.Side {
			return rejected(fmt.Sprintf("加倉方向 %s 與持倉方向 %s 衝突", *side, openTrade.Side), ports.ErrSignalRejected)
		}
		if side == nil {
			inferred := openTrade.Side
			side = &inferred
		}
		if openTrade.DcaCount >= cfg.MaxDcaPerSymbol {
			return rejected(fmt.Sprintf("已達加倉上限 (%d/%d)", openTrade.DcaCount, cfg.MaxDcaPerSymbol), ports.ErrSignalRejected)
		}
	}
	if side == nil {
		return rejected("訊號缺少方向", ports.ErrSignalRejected)
	}

	if !sig.IsDca {
		hasEntry, err := venue.HasOpenEntryOrders(ctx, sig.Symbol)
		if err != nil {
			e.noteVenueErr(err)
			return rejected("前置檢查失敗：無法查詢掛單", err)
		}
		if hasEntry {
			return rejected(fmt.Sprintf("%s 已有未成交掛單", sig.Symbol), ports.ErrSignalRejected)
		}
	}

	// 5. Signal validation.
	entry := sig.EntryPrice()
	if sig.StopLoss <= 0 {
		return rejected("訊號缺少 stop_loss", ports.ErrSignalRejected)
	}
	if (*side == domain.Long && sig.StopLoss >= entry) || (*side == domain.Short && sig.StopLoss <= entry) {
		return rejected(fmt.Sprintf("止損價 %.4f 與 %s 方向不符", sig.StopLoss, *side), ports.ErrSignalRejected)
	}
	markPrice, err := venue.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		e.noteVenueErr(err)
		return rejected("前置檢查失敗：無法取得標記價格", err)
	}
	if math.Abs(entry-markPrice)/markPrice > maxPriceDeviation {
		return rejected(fmt.Sprintf("入場價 %.4f 偏離標記價 %.4f 超過 %.0f%%", entry, markPrice, maxPriceDeviation*100), ports.ErrSignalRejected)
	}

	// 6. Sizing. DCA legs scale the risk budget by the configured
	// multiplier.
	sizingCfg := cfg
	if sig.IsDca {
		sizingCfg.RiskPercent = cfg.RiskPercent * cfg.DcaRiskMultiplier
	}
	info, err := e.symbols.Get(ctx, sig.Symbol)
	if err != nil {
		e.noteVenueErr(err)
		return rejected("前置檢查失敗：無法取得交易對規則", err)
	}
	qty, err := e.sizer.Calculate(ctx, balance, entry, sig.StopLoss, sizingCfg, info.QuantityStep)
	if err != nil {
		return rejected(err.Error(), ports.ErrSignalRejected)
	}
	if qty <= 0 {
		return rejected("計算出的數量為零", ports.ErrSignalRejected)
	}
	riskAmount := balance * sizingCfg.RiskPercent

	// 7. Leverage & margin mode, idempotent: "already set" rejections
	// from the venue are not failures.
	if err := venue.SetLeverage(ctx, sig.Symbol, cfg.FixedLeverage); err != nil && !errors.Is(err, ports.ErrVenueRejected) {
		e.noteVenueErr(err)
		return rejected("設定槓桿失敗", err)
	}
	if err := venue.SetMarginType(ctx, sig.Symbol, "CROSSED"); err != nil && !errors.Is(err, ports.ErrVenueRejected) {
		e.noteVenueErr(err)
		return rejected("設定保證金模式失敗", err)
	}

	entrySide := orderSide(*side)

	// 8. Place entry.
	entryOrder, err := venue.PlaceLimitOrder(ctx, sig.Symbol, entrySide, qty, entry, "entry-"+uuid.NewString())
	if err != nil {
		e.noteVenueErr(err)
		e.appendEvent(ctx, tradeIDOf(openTrade), domain.EventEntryFailed, nil, err.Error())
		return rejected("入場單失敗", err)
	}
	e.noteVenueOK()
	if !entryOrder.Success {
		e.appendEvent(ctx, tradeIDOf(openTrade), domain.EventEntryFailed, entryOrder, entryOrder.ErrorMessage)
		return rejected("入場單被拒絕: "+entryOrder.ErrorMessage, ports.ErrVenueRejected)
	}
	if entryOrder.Price == 0 {
		entryOrder.Price = entry
	}
	if entryOrder.Quantity == 0 {
		entryOrder.Quantity = qty
	}

	// The trade row doesn't exist yet for a fresh entry, so SL/TP
	// events are buffered and flushed with the real trade ID after
	// persistence.
	var pending []domain.TradeEvent
	buffer := func(eventType domain.EventType, order *ports.OrderResult, errMsg string) {
		pending = append(pending, makeEvent(0, eventType, order, errMsg))
	}
	flush := func(tradeID int64) {
		for _, ev := range pending {
			ev.TradeID = tradeID
			if err := e.store.AppendEvent(ctx, ev); err != nil {
				e.logger.Warn(ctx, "failed to append trade event", map[string]interface{}{"eventType": string(ev.EventType), "error": err.Error()})
			}
		}
	}

	// 9/10. Place SL; on failure run the escalation chain.
	slSide := oppositeSide(entrySide)
	slOrder, err := e.placeStopLossWithRetry(ctx, venue, sig.Symbol, slSide, qty, sig.StopLoss)
	if err != nil || !slOrder.Success {
		errMsg := "stop-loss placement failed"
		if err != nil {
			errMsg = err.Error()
		} else if slOrder.ErrorMessage != "" {
			errMsg = slOrder.ErrorMessage
		}
		return e.failSafeAbort(ctx, venue, userID, sig.Symbol, entrySide, entryOrder, qty, errMsg)
	}
	buffer(domain.EventSLPlaced, slOrder, "")

	// 11. Place TPs. Non-fatal: a failed TP leaves the position
	// SL-protected, so alert and continue.
	for _, tp := range sig.TakeProfits {
		tpOrder, err := e.placeTakeProfitWithRetry(ctx, venue, sig.Symbol, slSide, qty, tp)
		if err != nil || !tpOrder.Success {
			msg := "take-profit placement failed"
			if err != nil {
				msg = err.Error()
			} else if tpOrder.ErrorMessage != "" {
				msg = tpOrder.ErrorMessage
			}
			buffer(domain.EventTPFailed, tpOrder, msg)
			e.notifier.Notify("Manual TP required", fmt.Sprintf("%s: take-profit @ %.4f could not be placed.", sig.Symbol, tp), domain.SeverityYellow)
			continue
		}
		buffer(domain.EventTPPlaced, tpOrder, "")
	}

	// 12. Persist.
	if sig.IsDca {
		trade, err := e.store.RecordDcaEntry(ctx, ports.RecordDcaInput{
			TradeID:       openTrade.TradeID,
			NewQuantity:   entryOrder.Quantity,
			NewPrice:      entryOrder.Price,
			NewCommission: entryOrder.Commission,
			NewStopLoss:   sig.NewStopLoss,
		})
		if err != nil {
			e.logger.Error(ctx, err, op+": DCA placed on venue but persistence failed", map[string]interface{}{"symbol": sig.Symbol, "userID": userID})
			flush(openTrade.TradeID)
			return &Result{Success: false, Reason: "加倉已下單但記錄失敗", Err: err}
		}
		flush(trade.TradeID)
		e.appendEvent(ctx, trade.TradeID, domain.EventDcaEntry, entryOrder, "")
		e.logger.Info(ctx, op+": DCA entry complete", map[string]interface{}{"symbol": sig.Symbol, "userID": userID, "avgEntry": trade.EntryPrice, "dcaCount": trade.DcaCount})
		return &Result{Success: true, Trade: trade}
	}

	trade, err := e.store.RecordEntry(ctx, ports.RecordEntryInput{
		UserID:      userID,
		Signal:      sig,
		Side:        *side,
		EntryOrder:  entryOrder,
		SLOrder:     slOrder,
		TakeProfits: sig.TakeProfits,
		Leverage:    cfg.FixedLeverage,
		RiskAmount:  riskAmount,
		SignalHash:  dedup.GenerateHash(sig),
		AuthorName:  sig.Source.Author,
	})
	if err != nil {
		e.logger.Error(ctx, err, op+": entry placed on venue but persistence failed", map[string]interface{}{"symbol": sig.Symbol, "userID": userID})
		flush(0)
		return &Result{Success: false, Reason: "已下單但記錄失敗", Err: err}
	}
	flush(trade.TradeID)
	e.appendEvent(ctx, trade.TradeID, domain.EventEntryPlaced, entryOrder, "")
	e.logger.Info(ctx, op+": entry complete", map[string]interface{}{"symbol": sig.Symbol, "userID": userID, "qty": qty, "entry": entryOrder.Price, "stopLoss": sig.StopLoss})
	return &Result{Success: true, Trade: trade}
}

// failSafeAbort is the escalation chain for an entry whose stop-loss
// could not be placed: cancel the entry; if that fails, flatten with a
// market order; if that also fails, fire the critical alert. The chain
// runs strictly in that order.
func (e *Executor) failSafeAbort(ctx context.Context, venue ports.VenueClient, userID, symbol string, entrySide domain.OrderSide, entryOrder *ports.OrderResult, qty float64, slErr string) *Result {
	op := "failSafeAbort"
	e.logger.Warn(ctx, op+": stop-loss failed after entry, escalating", map[string]interface{}{"symbol": symbol, "userID": userID, "slError": slErr})

	cancelRes, cancelErr := venue.CancelOrder(ctx, symbol, entryOrder.OrderID)
	if cancelErr == nil && cancelRes != nil && cancelRes.Success {
		e.appendEvent(ctx, 0, domain.EventEntryFailed, entryOrder, "entry cancelled: stop-loss could not be placed")
		e.appendEvent(ctx, 0, domain.EventSLFailed, nil, slErr)
		return rejected("止損失敗，已撤銷入場單: "+slErr, ports.ErrPartialFailure)
	}

	// Cancel failed (or the order already filled): flatten whatever is
	// on the venue with a market order.
	closeRes, closeErr := venue.PlaceMarketOrder(ctx, symbol, oppositeSide(entrySide), qty, "failsafe-"+uuid.NewString())
	if closeErr == nil && closeRes != nil && closeRes.Success {
		e.appendEvent(ctx, 0, domain.EventFailSafeClose, closeRes, slErr)
		e.notifier.Notify("Fail-safe close", fmt.Sprintf("%s: stop-loss failed, position flattened at market.", symbol), domain.SeverityRed)
		return rejected("止損失敗，已強制平倉: "+slErr, ports.ErrPartialFailure)
	}

	msg := "market close failed"
	if closeErr != nil {
		e.noteVenueErr(closeErr)
		msg = closeErr.Error()
	} else if closeRes != nil {
		msg = closeRes.ErrorMessage
	}
	e.appendEvent(ctx, 0, domain.EventFailSafeClose, nil, msg)
	e.notifier.Notify("CRITICAL: unprotected position", fmt.Sprintf("%s: stop-loss failed AND fail-safe close failed. Manual intervention required immediately.", symbol), domain.SeverityRed)
	return rejected("止損與強制平倉皆失敗，需人工介入", ports.ErrPartialFailure)
}

// --- MOVE_SL ---

// ExecuteMoveSL relocates the protective stop (and optionally the TP)
// for an open position, falling back to the entry price for cost
// protection when the signal carries no explicit new stop.
func (e *Executor) ExecuteMoveSL(ctx context.Context, userID string, sig *domain.TradeSignal, cfg domain.EffectiveConfig) *Result {
	op := "ExecuteMoveSL"
	symbol := sig.Symbol

	venue, err := e.venues.ForUser(ctx, userID)
	if err != nil {
		return rejected("no venue credentials for user", err)
	}

	unlock := e.locks.Lock(userID, symbol, locks.OperationToken())
	defer unlock()

	positionAmt, err := venue.GetCurrentPositionAmount(ctx, symbol)
	if err != nil {
		e.noteVenueErr(err)
		return rejected("前置檢查失敗：無法查詢持倉", err)
	}
	e.noteVenueOK()

	if positionAmt == 0 {
		fallbackSymbol, ok := e.fallbackSymbol(ctx, userID, symbol)
		if !ok {
			return rejected(fmt.Sprintf("%s 無持倉，無法移動止損", symbol), ports.ErrSignalRejected)
		}
		symbol = fallbackSymbol
		unlockFb := e.locks.Lock(userID, symbol, locks.OperationToken())
		defer unlockFb()
		positionAmt, err = venue.GetCurrentPositionAmount(ctx, symbol)
		if err != nil {
			e.noteVenueErr(err)
			return rejected("前置檢查失敗：無法查詢持倉", err)
		}
		if positionAmt == 0 {
			return rejected(fmt.Sprintf("%s 無持倉，無法移動止損", symbol), ports.ErrSignalRejected)
		}
	}

	trade, err := e.store.FindOpenBySymbol(ctx, userID, symbol)
	if err != nil {
		return rejected("無法讀取交易記錄", err)
	}

	if err := venue.CancelAllOrders(ctx, symbol); err != nil {
		e.noteVenueErr(err)
		return rejected("撤銷原有掛單失敗", err)
	}

	newSL := 0.0
	switch {
	case sig.NewStopLoss != nil:
		newSL = *sig.NewStopLoss
	case trade != nil:
		newSL = trade.EntryPrice // cost protection
	default:
		return rejected("無新止損價且無交易記錄可回退", ports.ErrSignalRejected)
	}

	qty := math.Abs(positionAmt)
	slSide := domain.Sell
	if positionAmt < 0 {
		slSide = domain.Buy
	}

	slOrder, err := e.placeStopLossWithRetry(ctx, venue, symbol, slSide, qty, newSL)
	if err != nil || !slOrder.Success {
		msg := "stop-loss placement failed"
		if err != nil {
			msg = err.Error()
		} else if slOrder.ErrorMessage != "" {
			msg = slOrder.ErrorMessage
		}
		e.appendEvent(ctx, tradeIDOf(trade), domain.EventSLRehungFailed, slOrder, msg)
		e.notifier.Notify("Stop-loss missing", fmt.Sprintf("%s: orders cancelled but new stop-loss could not be placed.", symbol), domain.SeverityRed)
		return rejected("新止損掛單失敗: "+msg, ports.ErrPartialFailure)
	}

	if sig.NewTakeProfit != nil {
		tpOrder, err := e.placeTakeProfitWithRetry(ctx, venue, symbol, slSide, qty, *sig.NewTakeProfit)
		if err != nil || !tpOrder.Success {
			e.appendEvent(ctx, tradeIDOf(trade), domain.EventTPFailed, tpOrder, "move-SL take-profit placement failed")
			e.notifier.Notify("Manual TP required", fmt.Sprintf("%s: take-profit @ %.4f could not be placed.", symbol, *sig.NewTakeProfit), domain.SeverityYellow)
		} else {
			e.appendEvent(ctx, tradeIDOf(trade), domain.EventTPPlaced, tpOrder, "")
		}
	}

	if trade != nil {
		if err := e.store.RecordMoveSL(ctx, trade.TradeID, newSL); err != nil {
			e.logger.Error(ctx, err, op+": stop moved on venue but persistence failed", map[string]interface{}{"symbol": symbol, "userID": userID})
		}
		e.appendEvent(ctx, trade.TradeID, domain.EventMoveSL, slOrder, "")
	}

	e.logger.Info(ctx, op+": stop-loss moved", map[string]interface{}{"symbol": symbol, "userID": userID, "newStopLoss": newSL})
	return &Result{Success: true, Trade: trade}
}

// --- CLOSE (full or partial) ---

// ExecuteClose closes all or part of an open position. Partial closes
// rehang SL/TP protection for the remaining quantity.
func (e *Executor) ExecuteClose(ctx context.Context, userID, symbol string, closeRatio float64, newStopLoss, newTakeProfit *float64, reason domain.ExitReason) *Result {
	op := "ExecuteClose"
	if closeRatio <= 0 || closeRatio > 1 {
		return rejected(fmt.Sprintf("closeRatio %.4f out of (0,1]", closeRatio), ports.ErrSignalRejected)
	}

	venue, err := e.venues.ForUser(ctx, userID)
	if err != nil {
		return rejected("no venue credentials for user", err)
	}

	unlock := e.locks.Lock(userID, symbol, locks.OperationToken())
	defer unlock()

	// 1. Position, with symbol fallback.
	positionAmt, err := venue.GetCurrentPositionAmount(ctx, symbol)
	if err != nil {
		e.noteVenueErr(err)
		return rejected("前置檢查失敗：無法查詢持倉", err)
	}
	e.noteVenueOK()

	if positionAmt == 0 {
		fallbackSymbol, ok := e.fallbackSymbol(ctx, userID, symbol)
		if !ok {
			if err := venue.CancelAllOrders(ctx, symbol); err != nil {
				e.logger.Warn(ctx, op+": cancel-all after missing position failed", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			}
			return rejected(fmt.Sprintf("%s 無持倉可平", symbol), ports.ErrSignalRejected)
		}
		symbol = fallbackSymbol
		unlockFb := e.locks.Lock(userID, symbol, locks.OperationToken())
		defer unlockFb()
		positionAmt, err = venue.GetCurrentPositionAmount(ctx, symbol)
		if err != nil {
			e.noteVenueErr(err)
			return rejected("前置檢查失敗：無法查詢持倉", err)
		}
		if positionAmt == 0 {
			return rejected(fmt.Sprintf("%s 無持倉可平", symbol), ports.ErrSignalRejected)
		}
	}

	trade, err := e.store.FindOpenBySymbol(ctx, userID, symbol)
	if err != nil {
		return rejected("無法讀取交易記錄", err)
	}

	// 2. Quantity and side.
	isFullClose := closeRatio >= fullCloseFraction
	closeQty := math.Abs(positionAmt) * closeRatio
	closeSide := domain.Sell
	if positionAmt < 0 {
		closeSide = domain.Buy
	}

	// 3. Surviving protection prices, read before cancelling.
	var oldSL, oldTP *float64
	if openOrders, err := venue.GetOpenOrders(ctx, symbol); err == nil {
		for i := range openOrders {
			o := openOrders[i]
			switch o.Type {
			case "STOP_MARKET":
				oldSL = &o.StopPrice
			case "TAKE_PROFIT_MARKET":
				oldTP = &o.StopPrice
			}
		}
	} else {
		e.logger.Warn(ctx, op+": could not read open orders before close", map[string]interface{}{"symbol": symbol, "error": err.Error()})
	}

	// 4. Cancel everything resting.
	if err := venue.CancelAllOrders(ctx, symbol); err != nil {
		e.noteVenueErr(err)
		return rejected("撤銷掛單失敗", err)
	}

	// 5. Close order: MARKET for full, mark-anchored LIMIT for partial.
	var closeOrder *ports.OrderResult
	if isFullClose {
		closeOrder, err = venue.PlaceMarketOrder(ctx, symbol, closeSide, math.Abs(positionAmt), "close-"+uuid.NewString())
	} else {
		mark, markErr := venue.GetMarkPrice(ctx, symbol)
		if markErr != nil {
			e.noteVenueErr(markErr)
			return rejected("前置檢查失敗：無法取得標記價格", markErr)
		}
		closeOrder, err = venue.PlaceLimitOrder(ctx, symbol, closeSide, closeQty, mark, "close-"+uuid.NewString())
	}
	if err != nil {
		e.noteVenueErr(err)
		return rejected("平倉單失敗", err)
	}
	if !closeOrder.Success {
		return rejected("平倉單被拒絕: "+closeOrder.ErrorMessage, ports.ErrVenueRejected)
	}

	result := &Result{Success: true}

	// 6/7. Rehang protection for the remainder on partial closes.
	if !isFullClose {
		remainingQty := math.Abs(positionAmt) - closeQty
		slSide := closeSide

		slPrice, slKnown := pickPrice(newStopLoss, oldSL, entryPriceOf(trade))
		if !slKnown {
			e.appendEvent(ctx, tradeIDOf(trade), domain.EventSLRehungFailed, nil, "no stop-loss price available to rehang")
			e.notifier.Notify("Stop-loss missing", fmt.Sprintf("%s: partial close done but no stop-loss price was available to rehang.", symbol), domain.SeverityRed)
			result = &Result{Success: false, Reason: "部分平倉完成，但無可用止損價重掛", Err: ports.ErrPartialFailure}
		} else {
			slOrder, slErr := e.placeStopLossWithRetry(ctx, venue, symbol, slSide, remainingQty, slPrice)
			if slErr != nil || !slOrder.Success {
				msg := "stop-loss rehang failed"
				if slErr != nil {
					msg = slErr.Error()
				}
				e.appendEvent(ctx, tradeIDOf(trade), domain.EventSLRehungFailed, slOrder, msg)
				e.notifier.Notify("Stop-loss missing", fmt.Sprintf("%s: partial close done but stop-loss rehang failed.", symbol), domain.SeverityRed)
				result = &Result{Success: false, Reason: "部分平倉完成，止損重掛失敗", Err: ports.ErrPartialFailure}
			} else {
				e.appendEvent(ctx, tradeIDOf(trade), domain.EventSLPlaced, slOrder, "")
			}
		}

		if tpPrice, tpKnown := pickPrice(newTakeProfit, oldTP, nil); tpKnown {
			tpOrder, tpErr := e.placeTakeProfitWithRetry(ctx, venue, symbol, slSide, remainingQty, tpPrice)
			if tpErr != nil || !tpOrder.Success {
				e.appendEvent(ctx, tradeIDOf(trade), domain.EventTPFailed, tpOrder, "take-profit rehang failed")
				e.notifier.Notify("Manual TP required", fmt.Sprintf("%s: take-profit rehang failed after partial close.", symbol), domain.SeverityYellow)
			} else {
				e.appendEvent(ctx, tradeIDOf(trade), domain.EventTPPlaced, tpOrder, "")
			}
		}
	}

	// 8. Persist.
	if trade != nil {
		exitPrice := closeOrder.Price
		if isFullClose {
			updated, err := e.store.RecordClose(ctx, ports.RecordCloseInput{
				TradeID:    trade.TradeID,
				CloseOrder: closeOrder,
				ExitPrice:  exitPrice,
				ExitReason: reason,
			})
			if err != nil {
				e.logger.Error(ctx, err, op+": closed on venue but persistence failed", map[string]interface{}{"symbol": symbol, "userID": userID})
				return &Result{Success: false, Reason: "已平倉但記錄失敗", Err: err}
			}
			result.Trade = updated
		} else {
			updated, err := e.store.RecordPartialClose(ctx, ports.RecordPartialCloseInput{
				TradeID:    trade.TradeID,
				CloseOrder: closeOrder,
				ExitPrice:  exitPrice,
				CloseQty:   closeQty,
				ExitReason: domain.PartialSuffix(reason),
			})
			if err != nil {
				e.logger.Error(ctx, err, op+": partially closed on venue but persistence failed", map[string]interface{}{"symbol": symbol, "userID": userID})
				return &Result{Success: false, Reason: "已部分平倉但記錄失敗", Err: err}
			}
			result.Trade = updated
		}
	}

	e.logger.Info(ctx, op+": close complete", map[string]interface{}{"symbol": symbol, "userID": userID, "ratio": closeRatio, "qty": closeQty})
	return result
}

// --- CANCEL ---

// ExecuteCancel cancels all resting orders for a symbol and marks the
// open trade, if any, CANCELLED.
func (e *Executor) ExecuteCancel(ctx context.Context, userID, symbol string) *Result {
	op := "ExecuteCancel"
	venue, err := e.venues.ForUser(ctx, userID)
	if err != nil {
		return rejected("no venue credentials for user", err)
	}

	unlock := e.locks.Lock(userID, symbol, locks.OperationToken())
	defer unlock()

	if err := venue.CancelAllOrders(ctx, symbol); err != nil {
		e.noteVenueErr(err)
		return rejected("撤銷掛單失敗", err)
	}
	e.noteVenueOK()

	trade, err := e.store.FindOpenBySymbol(ctx, userID, symbol)
	if err != nil {
		return rejected("無法讀取交易記錄", err)
	}
	if trade != nil {
		if err := e.store.RecordCancel(ctx, trade.TradeID, domain.ExitCancel); err != nil {
			return &Result{Success: false, Reason: "掛單已撤銷但記錄失敗", Err: err}
		}
	}

	e.logger.Info(ctx, op+": cancelled", map[string]interface{}{"symbol": symbol, "userID": userID})
	return &Result{Success: true, Trade: trade}
}

// --- symbol fallback ---

// fallbackSymbol implements the auto-correction rule for CLOSE and
// MOVE_SL: when the signalled symbol has no position but the user has
// exactly one open trade, substitute that trade's symbol. Zero or two
// and more open trades means no safe substitution.
func (e *Executor) fallbackSymbol(ctx context.Context, userID, requested string) (string, bool) {
	open, err := e.store.FindOpenForUser(ctx, userID)
	if err != nil || len(open) != 1 {
		return "", false
	}
	actual := open[0].Symbol
	if actual == requested {
		return "", false
	}
	e.notifier.Notify("Symbol auto-corrected", fmt.Sprintf("Signal for %s applied to the only open position %s.", requested, actual), domain.SeverityYellow)
	return actual, true
}

// --- SL/TP placement with bounded retry ---

// placeStopLossWithRetry retries only on transport failures, reusing
// the same client order ID so a retry after a lost response cannot
// double-place. Venue rejections return immediately.
func (e *Executor) placeStopLossWithRetry(ctx context.Context, venue ports.VenueClient, symbol string, side domain.OrderSide, qty, stopPrice float64) (*ports.OrderResult, error) {
	clientID := "sl-" + uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= slTpRetryAttempts; attempt++ {
		res, err := venue.PlaceStopLoss(ctx, symbol, side, qty, stopPrice, clientID)
		if err == nil {
			e.noteVenueOK()
			return res, nil
		}
		if !errors.Is(err, ports.ErrVenueUnreachable) {
			return nil, err
		}
		e.noteVenueErr(err)
		lastErr = err
		e.logger.Warn(ctx, "stop-loss placement transport failure, retrying", map[string]interface{}{"symbol": symbol, "attempt": attempt})
	}
	e.notifier.Notify("Stop-loss retries exhausted", fmt.Sprintf("%s: stop-loss @ %.4f failed %d times.", symbol, stopPrice, slTpRetryAttempts), domain.SeverityRed)
	return nil, lastErr
}

func (e *Executor) placeTakeProfitWithRetry(ctx context.Context, venue ports.VenueClient, symbol string, side domain.OrderSide, qty, stopPrice float64) (*ports.OrderResult, error) {
	clientID := "tp-" + uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= slTpRetryAttempts; attempt++ {
		res, err := venue.PlaceTakeProfit(ctx, symbol, side, qty, stopPrice, clientID)
		if err == nil {
			e.noteVenueOK()
			return res, nil
		}
		if !errors.Is(err, ports.ErrVenueUnreachable) {
			return nil, err
		}
		e.noteVenueErr(err)
		lastErr = err
		e.logger.Warn(ctx, "take-profit placement transport failure, retrying", map[string]interface{}{"symbol": symbol, "attempt": attempt})
	}
	e.notifier.Notify("Take-profit retries exhausted", fmt.Sprintf("%s: take-profit @ %.4f failed %d times.", symbol, stopPrice, slTpRetryAttempts), domain.SeverityRed)
	return nil, lastErr
}

// --- helpers ---

func makeEvent(tradeID int64, eventType domain.EventType, order *ports.OrderResult, errMsg string) domain.TradeEvent {
	ev := domain.TradeEvent{
		TradeID:      tradeID,
		EventType:    eventType,
		Success:      errMsg == "",
		ErrorMessage: errMsg,
	}
	if order != nil {
		ev.VenueOrderID = order.OrderID
		ev.Side = order.Side
		ev.Type = order.Type
		ev.Price = order.Price
		ev.Quantity = order.Quantity
	}
	return ev
}

func (e *Executor) appendEvent(ctx context.Context, tradeID int64, eventType domain.EventType, order *ports.OrderResult, errMsg string) {
	if err := e.store.AppendEvent(ctx, makeEvent(tradeID, eventType, order, errMsg)); err != nil {
		e.logger.Warn(ctx, "failed to append trade event", map[string]interface{}{"eventType": string(eventType), "error": err.Error()})
	}
}

func orderSide(side domain.PositionSide) domain.OrderSide {
	if side == domain.Short {
		return domain.Sell
	}
	return domain.Buy
}

func oppositeSide(side domain.OrderSide) domain.OrderSide {
	if side == domain.Buy {
		return domain.Sell
	}
	return domain.Buy
}

func tradeIDOf(t *domain.Trade) int64 {
	if t == nil {
		return 0
	}
	return t.TradeID
}

func entryPriceOf(t *domain.Trade) *float64 {
	if t == nil || t.EntryPrice == 0 {
		return nil
	}
	p := t.EntryPrice
	return &p
}

// pickPrice returns the first known price in priority order.
func pickPrice(candidates ...*float64) (float64, bool) {
	for _, c := range candidates {
		if c != nil && *c > 0 {
			return *c, true
		}
	}
	return 0, false
}
