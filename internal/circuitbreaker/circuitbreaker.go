// Package circuitbreaker gates new entries on the day's cumulative
// realised loss, adapted from the risk manager's drawdown/daily-loss
// checks into a single store-backed guard.
package circuitbreaker

import (
	"context"
	"fmt"

	"tradeengine/internal/domain"
	"tradeengine/internal/ports"
)

// Breaker rejects new entries once a user's realised loss for the
// current venue day reaches the configured cap.
type Breaker struct {
	store ports.TradeStore
}

// New creates a Breaker backed by store.
func New(store ports.TradeStore) *Breaker {
	return &Breaker{store: store}
}

// Check returns ErrCircuitBreakerTripped when cfg.MaxDailyLossUsdt is
// set and the user's realised loss so far today has reached it.
// MaxDailyLossUsdt == 0 disables the breaker entirely.
func (b *Breaker) Check(ctx context.Context, userID string, cfg domain.EffectiveConfig) error {
	if cfg.MaxDailyLossUsdt <= 0 {
		return nil
	}

	realisedLoss, err := b.store.TodayRealisedLoss(ctx, userID)
	if err != nil {
		return fmt.Errorf("circuitbreaker: %w", err)
	}

	if realisedLoss >= cfg.MaxDailyLossUsdt {
		return fmt.Errorf("%w: realised loss %.2f has reached the %.2f daily limit",
			ports.ErrCircuitBreakerTripped, realisedLoss, cfg.MaxDailyLossUsdt)
	}

	return nil
}
