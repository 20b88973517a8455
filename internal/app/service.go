// Package app wires the engine's inbound control surface: signal
// submission and broadcast fan-out, administrative close-outs, and the
// settings/status read model.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeengine/internal/configresolver"
	"tradeengine/internal/domain"
	"tradeengine/internal/executor"
	"tradeengine/internal/ports"
	"tradeengine/internal/signalparser"
)

const cleanupInterval = 5 * time.Minute

// ReceiptStatus is the terminal disposition of a submitted signal.
type ReceiptStatus string

const (
	StatusExecuted ReceiptStatus = "EXECUTED"
	StatusRejected ReceiptStatus = "REJECTED"
	StatusIgnored  ReceiptStatus = "IGNORED"
)

// SignalReceipt is what the ingress layer gets back for every
// submission, crash-free by contract.
type SignalReceipt struct {
	SignalID string
	Status   ReceiptStatus
	Reason   string
}

// BroadcastSummary aggregates a fan-out across all auto-trade users.
type BroadcastSummary struct {
	TotalUsers      int
	SuccessCount    int
	FailCount       int
	SkippedNoAPIKey int
}

// UserStatus is the read model behind the status query.
type UserStatus struct {
	OpenTrades           []*domain.Trade
	TodayRealisedLoss    float64
	CircuitBreakerActive bool
}

// TradingService orchestrates parsing, per-user config resolution and
// dispatch into the executor.
type TradingService struct {
	logger    ports.Logger
	store     ports.TradeStore
	exec      *executor.Executor
	venues    ports.VenueProvider
	users     ports.UserDirectory
	overrides ports.UserConfigProvider
	globals   domain.GlobalDefaults
}

// NewTradingService validates and assembles the service.
func NewTradingService(
	logger ports.Logger,
	store ports.TradeStore,
	exec *executor.Executor,
	venues ports.VenueProvider,
	users ports.UserDirectory,
	overrides ports.UserConfigProvider,
	globals domain.GlobalDefaults,
) (*TradingService, error) {
	if logger == nil || store == nil || exec == nil || venues == nil || users == nil || overrides == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	return &TradingService{
		logger:    logger,
		store:     store,
		exec:      exec,
		venues:    venues,
		users:     users,
		overrides: overrides,
		globals:   globals,
	}, nil
}

// SubmitSignal parses rawText and dispatches it for one user. It
// always returns a receipt; nothing propagates as a crash.
func (s *TradingService) SubmitSignal(ctx context.Context, rawText string, source domain.SignalSource, userID string) SignalReceipt {
	receipt := SignalReceipt{SignalID: uuid.NewString()}

	sig := signalparser.Parse(rawText, source)
	if sig == nil {
		receipt.Status = StatusIgnored
		receipt.Reason = "no signal grammar matched"
		return receipt
	}

	cfg := s.resolveConfig(ctx, userID)
	if sig.Symbol == "" {
		sig.Symbol = cfg.DefaultSymbol
	}

	res := s.exec.ExecuteSignal(ctx, userID, sig, cfg)
	if res.Success {
		receipt.Status = StatusExecuted
		return receipt
	}
	receipt.Status = StatusRejected
	receipt.Reason = res.Reason
	s.logger.Info(ctx, "signal rejected", map[string]interface{}{"userID": userID, "reason": res.Reason, "signalType": string(sig.SignalType)})
	return receipt
}

// BroadcastSignal parses once and fans the signal out to every
// auto-trade user. Users without stored venue credentials are skipped,
// not failed. Different users run in parallel (no cross-user ordering
// guarantee); per-(user, symbol) ordering is preserved by the symbol
// locks inside the executor.
func (s *TradingService) BroadcastSignal(ctx context.Context, rawText string, source domain.SignalSource) (BroadcastSummary, error) {
	var summary BroadcastSummary

	sig := signalparser.Parse(rawText, source)
	if sig == nil {
		return summary, fmt.Errorf("no signal grammar matched")
	}

	userIDs, err := s.users.AutoTradeUsers(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing auto-trade users: %w", err)
	}
	summary.TotalUsers = len(userIDs)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		if _, err := s.venues.ForUser(ctx, userID); err != nil {
			mu.Lock()
			summary.SkippedNoAPIKey++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()

			userSig := *sig // each user gets its own copy; the executor may fill in defaults
			cfg := s.resolveConfig(ctx, userID)
			if userSig.Symbol == "" {
				userSig.Symbol = cfg.DefaultSymbol
			}

			res := s.exec.ExecuteSignal(ctx, userID, &userSig, cfg)
			mu.Lock()
			if res.Success {
				summary.SuccessCount++
			} else {
				summary.FailCount++
			}
			mu.Unlock()
		}(userID)
	}
	wg.Wait()

	s.logger.Info(ctx, "broadcast complete", map[string]interface{}{
		"total": summary.TotalUsers, "ok": summary.SuccessCount,
		"failed": summary.FailCount, "skippedNoApiKey": summary.SkippedNoAPIKey,
	})
	return summary, nil
}

// CancelAllForSymbol is the administrative cancel: all resting orders
// for the symbol are pulled and any open trade marked CANCELLED.
func (s *TradingService) CancelAllForSymbol(ctx context.Context, userID, symbol string) error {
	res := s.exec.ExecuteCancel(ctx, userID, symbol)
	if !res.Success {
		return fmt.Errorf("cancel %s for %s: %s", symbol, userID, res.Reason)
	}
	return nil
}

// CloseAllForUser market-closes every open trade the user has.
func (s *TradingService) CloseAllForUser(ctx context.Context, userID string) (closed, failed int, err error) {
	open, err := s.store.FindOpenForUser(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing open trades for %s: %w", userID, err)
	}
	for _, trade := range open {
		res := s.exec.ExecuteClose(ctx, userID, trade.Symbol, 1.0, nil, nil, domain.ExitManualClose)
		if res.Success {
			closed++
		} else {
			failed++
			s.logger.Warn(ctx, "close-all: trade close failed", map[string]interface{}{"userID": userID, "symbol": trade.Symbol, "reason": res.Reason})
		}
	}
	return closed, failed, nil
}

// GetSettings returns the user's resolved effective configuration.
func (s *TradingService) GetSettings(ctx context.Context, userID string) domain.EffectiveConfig {
	return s.resolveConfig(ctx, userID)
}

// GetStatus is a pure read over the store: open trades, today's
// realised loss and whether the circuit breaker is currently holding
// entries back.
func (s *TradingService) GetStatus(ctx context.Context, userID string) (UserStatus, error) {
	var status UserStatus

	open, err := s.store.FindOpenForUser(ctx, userID)
	if err != nil {
		return status, fmt.Errorf("listing open trades: %w", err)
	}
	status.OpenTrades = open

	loss, err := s.store.TodayRealisedLoss(ctx, userID)
	if err != nil {
		return status, fmt.Errorf("reading today's realised loss: %w", err)
	}
	status.TodayRealisedLoss = loss

	cfg := s.resolveConfig(ctx, userID)
	status.CircuitBreakerActive = cfg.MaxDailyLossUsdt > 0 && loss >= cfg.MaxDailyLossUsdt
	return status, nil
}

// Run blocks until ctx is cancelled, driving the periodic stale-trade
// cleanup in the meantime. Stream consumers are started separately by
// the caller, one per credentialed user.
func (s *TradingService) Run(ctx context.Context) error {
	s.logger.Info(ctx, "trading service running")
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "trading service stopping")
			return nil
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

// runCleanup cancels OPEN trades the venue no longer shows a position
// for. Any per-symbol query failure skips that trade: never cancel
// under uncertainty.
func (s *TradingService) runCleanup(ctx context.Context) {
	err := s.store.CleanupStaleTrades(ctx, func(ctx context.Context, userID, symbol string) (float64, error) {
		venue, err := s.venues.ForUser(ctx, userID)
		if err != nil {
			return 0, err
		}
		return venue.GetCurrentPositionAmount(ctx, symbol)
	})
	if err != nil {
		s.logger.Warn(ctx, "stale-trade cleanup failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *TradingService) resolveConfig(ctx context.Context, userID string) domain.EffectiveConfig {
	override, err := s.overrides.GetOverride(ctx, userID)
	if err != nil {
		s.logger.Warn(ctx, "per-user override lookup failed, using global defaults", map[string]interface{}{"userID": userID, "error": err.Error()})
		override = domain.UserOverride{}
	}
	return configresolver.Resolve(s.globals, override)
}
