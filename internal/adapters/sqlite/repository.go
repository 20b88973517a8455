// Package sqlite implements ports.TradeStore over SQLite, using WAL
// mode and a scanner-interface / sql.Null*-field idiom across the
// trade/trade_event schema.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"

	_ "github.com/mattn/go-sqlite3"
)

// Commission estimates used when the venue doesn't report a usable
// value: entries rest as maker orders, exits fill as taker.
const (
	makerCommissionRate = 0.0002
	takerCommissionRate = 0.0004
)

// Store implements ports.TradeStore using SQLite.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// New creates a new SQLite-backed store and initializes its schema.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/tradeengine.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	store := &Store{db: db, logger: cfg.Logger}
	if err := store.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return store, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		entry_quantity REAL NOT NULL,
		entry_commission REAL NOT NULL DEFAULT 0,
		entry_order_id INTEGER,
		entry_time TIMESTAMP NOT NULL,
		leverage INTEGER NOT NULL,
		risk_amount REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profits TEXT,
		remaining_quantity REAL,
		total_closed_quantity REAL,
		dca_count INTEGER NOT NULL DEFAULT 0,
		exit_price REAL,
		exit_quantity REAL,
		exit_commission REAL,
		exit_order_id INTEGER,
		exit_time TIMESTAMP,
		exit_reason TEXT,
		gross_profit REAL,
		commission REAL,
		net_profit REAL,
		status TEXT NOT NULL CHECK(status IN ('OPEN','CLOSED','CANCELLED')),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		signal_hash TEXT,
		source_author_name TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_one_open_per_symbol
		ON trades(user_id, symbol) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_signal_hash ON trades(user_id, signal_hash, created_at);
	CREATE INDEX IF NOT EXISTS idx_trades_user_status_exit ON trades(user_id, status, exit_time);

	CREATE TABLE IF NOT EXISTS trade_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id INTEGER NOT NULL REFERENCES trades(id),
		event_type TEXT NOT NULL,
		venue_order_id INTEGER,
		side TEXT,
		type TEXT,
		price REAL,
		quantity REAL,
		success INTEGER NOT NULL,
		error_message TEXT,
		detail TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trade_events_trade_id ON trade_events(trade_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanner is compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

const tradeColumns = `id, user_id, symbol, side, entry_price, entry_quantity, entry_commission,
	entry_order_id, entry_time, leverage, risk_amount, stop_loss, take_profits,
	remaining_quantity, total_closed_quantity, dca_count, exit_price, exit_quantity,
	exit_commission, exit_order_id, exit_time, exit_reason, gross_profit, commission,
	net_profit, status, created_at, updated_at, signal_hash, source_author_name`

func scanTrade(sc scanner) (*domain.Trade, error) {
	var t domain.Trade
	var entryOrderID sql.NullInt64
	var takeProfitsJSON sql.NullString
	var remainingQty, totalClosedQty sql.NullFloat64
	var exitPrice, exitQty, exitCommission sql.NullFloat64
	var exitOrderID sql.NullInt64
	var exitTime sql.NullTime
	var exitReason sql.NullString
	var grossProfit, commission, netProfit sql.NullFloat64
	var signalHash, sourceAuthor sql.NullString

	err := sc.Scan(
		&t.TradeID, &t.UserID, &t.Symbol, &t.Side, &t.EntryPrice, &t.EntryQuantity, &t.EntryCommission,
		&entryOrderID, &t.EntryTime, &t.Leverage, &t.RiskAmount, &t.StopLoss, &takeProfitsJSON,
		&remainingQty, &totalClosedQty, &t.DcaCount, &exitPrice, &exitQty,
		&exitCommission, &exitOrderID, &exitTime, &exitReason, &grossProfit, &commission,
		&netProfit, &t.Status, &t.CreatedAt, &t.UpdatedAt, &signalHash, &sourceAuthor,
	)
	if err != nil {
		return nil, err
	}

	if entryOrderID.Valid {
		t.EntryOrderID = entryOrderID.Int64
	}
	if takeProfitsJSON.Valid && takeProfitsJSON.String != "" {
		_ = json.Unmarshal([]byte(takeProfitsJSON.String), &t.TakeProfits)
	}
	if remainingQty.Valid {
		v := remainingQty.Float64
		t.RemainingQuantity = &v
	}
	if totalClosedQty.Valid {
		v := totalClosedQty.Float64
		t.TotalClosedQuantity = &v
	}
	if exitPrice.Valid {
		t.ExitPrice = exitPrice.Float64
	}
	if exitQty.Valid {
		t.ExitQuantity = exitQty.Float64
	}
	if exitCommission.Valid {
		t.ExitCommission = exitCommission.Float64
	}
	if exitOrderID.Valid {
		t.ExitOrderID = exitOrderID.Int64
	}
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	if exitReason.Valid {
		t.ExitReason = domain.ExitReason(exitReason.String)
	}
	if grossProfit.Valid {
		v := grossProfit.Float64
		t.GrossProfit = &v
	}
	if commission.Valid {
		v := commission.Float64
		t.Commission = &v
	}
	if netProfit.Valid {
		v := netProfit.Float64
		t.NetProfit = &v
	}
	if signalHash.Valid {
		t.SignalHash = signalHash.String
	}
	if sourceAuthor.Valid {
		t.SourceAuthorName = sourceAuthor.String
	}
	return &t, nil
}

func (s *Store) FindOpenBySymbol(ctx context.Context, userID, symbol string) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = ? AND symbol = ? AND status = 'OPEN'`
	t, err := scanTrade(s.db.QueryRowContext(ctx, query, userID, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("FindOpenBySymbol(%s, %s): %w", userID, symbol, err)
	}
	return t, nil
}

func (s *Store) FindOpenForUser(ctx context.Context, userID string) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = ? AND status = 'OPEN'`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("FindOpenForUser(%s): %w", userID, err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("FindOpenForUser(%s) scan: %w", userID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *Store) FindRecentBySignalHash(ctx context.Context, userID, signalHash string, sinceUnixMs int64) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = ? AND signal_hash = ? AND created_at >= ?`
	since := time.UnixMilli(sinceUnixMs)
	rows, err := s.db.QueryContext(ctx, query, userID, signalHash, since)
	if err != nil {
		return nil, fmt.Errorf("FindRecentBySignalHash(%s, %s): %w", userID, signalHash, err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("FindRecentBySignalHash(%s, %s) scan: %w", userID, signalHash, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *Store) RecordEntry(ctx context.Context, in ports.RecordEntryInput) (*domain.Trade, error) {
	now := time.Now()
	tpJSON, _ := json.Marshal(in.TakeProfits)

	var entryOrderID int64
	var entryPrice, entryQty, entryCommission float64
	if in.EntryOrder != nil {
		entryOrderID = in.EntryOrder.OrderID
		entryPrice = in.EntryOrder.Price
		entryQty = in.EntryOrder.Quantity
		entryCommission = in.EntryOrder.Commission
	}
	if entryCommission <= 0 {
		// Venue didn't report a commission: estimate at the maker rate.
		entryCommission = entryPrice * entryQty * makerCommissionRate
	}

	// remaining_quantity/total_closed_quantity stay NULL until the
	// first partial close.
	const query = `
	INSERT INTO trades (user_id, symbol, side, entry_price, entry_quantity, entry_commission,
		entry_order_id, entry_time, leverage, risk_amount, stop_loss, take_profits,
		remaining_quantity, total_closed_quantity, dca_count, status, created_at, updated_at,
		signal_hash, source_author_name)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, 'OPEN', ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		in.UserID, in.Signal.Symbol, in.Side, entryPrice, entryQty, entryCommission,
		entryOrderID, now, in.Leverage, in.RiskAmount, in.Signal.StopLoss, string(tpJSON),
		now, now, in.SignalHash, in.AuthorName,
	)
	if err != nil {
		return nil, fmt.Errorf("RecordEntry(%s, %s): %w", in.UserID, in.Signal.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("RecordEntry(%s, %s) last insert id: %w", in.UserID, in.Signal.Symbol, err)
	}
	return s.findByID(ctx, id)
}

func (s *Store) findByID(ctx context.Context, id int64) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = ?`
	return scanTrade(s.db.QueryRowContext(ctx, query, id))
}

// RecordDcaEntry folds a DCA leg into an OPEN trade's weighted-average
// entry price:
//
//	newEntryPrice = (oldPrice*oldQty + newPrice*newQty) / (oldQty+newQty)
func (s *Store) RecordDcaEntry(ctx context.Context, in ports.RecordDcaInput) (*domain.Trade, error) {
	existing, err := s.findByID(ctx, in.TradeID)
	if err != nil {
		return nil, fmt.Errorf("RecordDcaEntry(%d): %w", in.TradeID, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("RecordDcaEntry(%d): %w", in.TradeID, ports.ErrNotFound)
	}

	// The weighted average restarts from the effective open quantity:
	// a DCA into a partially closed trade folds the remainder and the
	// new leg into a fresh open notional, clearing both partial-close
	// fields.
	effectiveQty := existing.EffectiveOpenQuantity()
	newTotalQty := effectiveQty + in.NewQuantity
	weightedPrice := (existing.EntryPrice*effectiveQty + in.NewPrice*in.NewQuantity) / newTotalQty
	newCommission := existing.EntryCommission + in.NewCommission

	stopLoss := existing.StopLoss
	if in.NewStopLoss != nil {
		stopLoss = *in.NewStopLoss
	}

	const query = `
	UPDATE trades SET entry_price = ?, entry_quantity = ?, entry_commission = ?,
		remaining_quantity = NULL, total_closed_quantity = NULL,
		dca_count = dca_count + 1, stop_loss = ?, updated_at = ?
	WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query, weightedPrice, newTotalQty, newCommission, stopLoss, time.Now(), in.TradeID)
	if err != nil {
		return nil, fmt.Errorf("RecordDcaEntry(%d): %w", in.TradeID, err)
	}
	return s.findByID(ctx, in.TradeID)
}

func (s *Store) RecordClose(ctx context.Context, in ports.RecordCloseInput) (*domain.Trade, error) {
	existing, err := s.findByID(ctx, in.TradeID)
	if err != nil {
		return nil, fmt.Errorf("RecordClose(%d): %w", in.TradeID, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("RecordClose(%d): %w", in.TradeID, ports.ErrNotFound)
	}

	qty := existing.EffectiveOpenQuantity()
	var exitCommission float64
	var exitOrderID int64
	if in.CloseOrder != nil {
		exitCommission = in.CloseOrder.Commission
		exitOrderID = in.CloseOrder.OrderID
	}
	if exitCommission <= 0 {
		exitCommission = in.ExitPrice * qty * takerCommissionRate
	}

	gross := signedPnl(existing.Side, existing.EntryPrice, in.ExitPrice, qty)
	totalCommission := existing.EntryCommission + exitCommission
	net := gross - totalCommission

	const query = `
	UPDATE trades SET exit_price = ?, exit_quantity = ?, exit_commission = ?, exit_order_id = ?,
		exit_time = ?, exit_reason = ?, gross_profit = ?, commission = ?, net_profit = ?,
		remaining_quantity = 0, total_closed_quantity = ?, status = 'CLOSED', updated_at = ?
	WHERE id = ?`
	now := time.Now()
	_, err = s.db.ExecContext(ctx, query, in.ExitPrice, qty, exitCommission, exitOrderID,
		now, string(in.ExitReason), gross, totalCommission, net, qty, now, in.TradeID)
	if err != nil {
		return nil, fmt.Errorf("RecordClose(%d): %w", in.TradeID, err)
	}
	return s.findByID(ctx, in.TradeID)
}

func (s *Store) RecordPartialClose(ctx context.Context, in ports.RecordPartialCloseInput) (*domain.Trade, error) {
	existing, err := s.findByID(ctx, in.TradeID)
	if err != nil {
		return nil, fmt.Errorf("RecordPartialClose(%d): %w", in.TradeID, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("RecordPartialClose(%d): %w", in.TradeID, ports.ErrNotFound)
	}

	var exitCommission float64
	var exitOrderID int64
	if in.CloseOrder != nil {
		exitCommission = in.CloseOrder.Commission
		exitOrderID = in.CloseOrder.OrderID
	}

	newRemaining := existing.EffectiveOpenQuantity() - in.CloseQty
	if newRemaining < 0 {
		newRemaining = 0
	}
	newTotalClosed := 0.0
	if existing.TotalClosedQuantity != nil {
		newTotalClosed = *existing.TotalClosedQuantity
	}
	newTotalClosed += in.CloseQty

	const query = `
	UPDATE trades SET exit_price = ?, exit_quantity = ?, exit_commission = ?, exit_order_id = ?,
		exit_time = ?, exit_reason = ?, remaining_quantity = ?, total_closed_quantity = ?,
		updated_at = ?
	WHERE id = ?`
	now := time.Now()
	_, err = s.db.ExecContext(ctx, query, in.ExitPrice, in.CloseQty, exitCommission, exitOrderID,
		now, string(in.ExitReason), newRemaining, newTotalClosed, now, in.TradeID)
	if err != nil {
		return nil, fmt.Errorf("RecordPartialClose(%d): %w", in.TradeID, err)
	}
	return s.findByID(ctx, in.TradeID)
}

// RecordCloseFromStream is the stream-driven counterpart of
// RecordClose/RecordPartialClose. It decides full-vs-partial itself:
// a fill of at least 0.999 of the effective open quantity is a full
// close. Profit uses the same entry/exit-price accounting as
// RecordClose; the venue's realised PnL in the input is not stored.
func (s *Store) RecordCloseFromStream(ctx context.Context, in ports.RecordStreamCloseInput) (*domain.Trade, error) {
	existing, err := s.FindOpenBySymbol(ctx, in.UserID, in.Symbol)
	if err != nil {
		return nil, fmt.Errorf("RecordCloseFromStream(%s, %s): %w", in.UserID, in.Symbol, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("RecordCloseFromStream(%s, %s): %w", in.UserID, in.Symbol, ports.ErrNotFound)
	}

	openQty := existing.EffectiveOpenQuantity()
	closedFraction := 0.0
	if openQty > 0 {
		closedFraction = in.FilledQty / openQty
	}
	isFullClose := closedFraction >= 0.999

	// Same accounting as RecordClose: gross from entry/exit prices,
	// total commission including the entry leg.
	gross := signedPnl(existing.Side, existing.EntryPrice, in.ExitPrice, openQty)
	totalCommission := existing.EntryCommission + in.Commission
	net := gross - totalCommission

	now := time.UnixMilli(in.TxnTimeUnixMs)
	if in.TxnTimeUnixMs == 0 {
		now = time.Now()
	}

	if isFullClose {
		const query = `
		UPDATE trades SET exit_price = ?, exit_quantity = ?, exit_commission = ?, exit_order_id = ?,
			exit_time = ?, exit_reason = ?, gross_profit = ?, commission = ?, net_profit = ?,
			remaining_quantity = 0, total_closed_quantity = ?, status = 'CLOSED', updated_at = ?
		WHERE id = ?`
		_, err = s.db.ExecContext(ctx, query, in.ExitPrice, in.FilledQty, in.Commission, in.OrderID,
			now, string(in.Reason), gross, totalCommission, net, openQty, time.Now(), existing.TradeID)
	} else {
		newRemaining := openQty - in.FilledQty
		if newRemaining < 0 {
			newRemaining = 0
		}
		newTotalClosed := 0.0
		if existing.TotalClosedQuantity != nil {
			newTotalClosed = *existing.TotalClosedQuantity
		}
		newTotalClosed += in.FilledQty
		partialReason := domain.PartialSuffix(in.Reason)

		const query = `
		UPDATE trades SET exit_price = ?, exit_quantity = ?, exit_commission = ?, exit_order_id = ?,
			exit_time = ?, exit_reason = ?, remaining_quantity = ?, total_closed_quantity = ?,
			updated_at = ?
		WHERE id = ?`
		_, err = s.db.ExecContext(ctx, query, in.ExitPrice, in.FilledQty, in.Commission, in.OrderID,
			now, string(partialReason), newRemaining, newTotalClosed, time.Now(), existing.TradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("RecordCloseFromStream(%s, %s): %w", in.UserID, in.Symbol, err)
	}
	return s.findByID(ctx, existing.TradeID)
}

func (s *Store) RecordMoveSL(ctx context.Context, tradeID int64, newStopLoss float64) error {
	const query = `UPDATE trades SET stop_loss = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, newStopLoss, time.Now(), tradeID)
	if err != nil {
		return fmt.Errorf("RecordMoveSL(%d): %w", tradeID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("RecordMoveSL(%d): %w", tradeID, ports.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordCancel(ctx context.Context, tradeID int64, reason domain.ExitReason) error {
	const query = `UPDATE trades SET status = 'CANCELLED', exit_reason = ?, exit_time = ?, updated_at = ? WHERE id = ?`
	now := time.Now()
	res, err := s.db.ExecContext(ctx, query, string(reason), now, now, tradeID)
	if err != nil {
		return fmt.Errorf("RecordCancel(%d): %w", tradeID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("RecordCancel(%d): %w", tradeID, ports.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.TradeEvent) error {
	const query = `
	INSERT INTO trade_events (trade_id, event_type, venue_order_id, side, type, price, quantity,
		success, error_message, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, ev.TradeID, string(ev.EventType), ev.VenueOrderID,
		string(ev.Side), ev.Type, ev.Price, ev.Quantity, ev.Success, ev.ErrorMessage, ev.Detail, time.Now())
	if err != nil {
		return fmt.Errorf("AppendEvent(trade=%d, type=%s): %w", ev.TradeID, ev.EventType, err)
	}
	return nil
}

// TodayRealisedLoss sums the day's realised losses for the circuit
// breaker. A nil netProfit (accounting skipped) is treated as a loss
// of the trade's full risked amount — the conservative reading of the
// "treat as a loss" decision, so missing accounting never masks a
// circuit-breaker trip.
func (s *Store) TodayRealisedLoss(ctx context.Context, userID string) (float64, error) {
	const query = `
	SELECT net_profit, risk_amount FROM trades
	WHERE user_id = ? AND status = 'CLOSED' AND date(exit_time) = date('now')`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("TodayRealisedLoss(%s): %w", userID, err)
	}
	defer rows.Close()

	var totalLoss float64
	for rows.Next() {
		var netProfit sql.NullFloat64
		var riskAmount float64
		if err := rows.Scan(&netProfit, &riskAmount); err != nil {
			return 0, fmt.Errorf("TodayRealisedLoss(%s) scan: %w", userID, err)
		}
		if !netProfit.Valid {
			totalLoss += riskAmount
			continue
		}
		if netProfit.Float64 < 0 {
			totalLoss += -netProfit.Float64
		}
	}
	return totalLoss, rows.Err()
}

// CleanupStaleTrades cancels OPEN trades the venue no longer reports a
// position for.
func (s *Store) CleanupStaleTrades(ctx context.Context, positionChecker func(ctx context.Context, userID, symbol string) (float64, error)) error {
	const query = `SELECT id, user_id, symbol FROM trades WHERE status = 'OPEN'`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("CleanupStaleTrades: %w", err)
	}
	type candidate struct {
		id     int64
		userID string
		symbol string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.userID, &c.symbol); err != nil {
			rows.Close()
			return fmt.Errorf("CleanupStaleTrades scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("CleanupStaleTrades: %w", err)
	}

	for _, c := range candidates {
		amt, err := positionChecker(ctx, c.userID, c.symbol)
		if err != nil {
			s.logger.Warn(ctx, "CleanupStaleTrades: position check failed, leaving trade open", map[string]interface{}{"tradeID": c.id, "error": err.Error()})
			continue
		}
		if amt != 0 {
			continue
		}
		if err := s.RecordCancel(ctx, c.id, domain.ExitStaleCleanup); err != nil {
			s.logger.Warn(ctx, "CleanupStaleTrades: failed to cancel stale trade", map[string]interface{}{"tradeID": c.id, "error": err.Error()})
		}
	}
	return nil
}

// signedPnl applies the Long/Short sign convention to a gross PnL calc.
func signedPnl(side domain.PositionSide, entryPrice, exitPrice, qty float64) float64 {
	if side == domain.Short {
		return (entryPrice - exitPrice) * qty
	}
	return (exitPrice - entryPrice) * qty
}
