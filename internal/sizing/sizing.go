// Package sizing computes entry quantities from risk parameters using
// shopspring/decimal, so floors at the venue step size never round up.
package sizing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeengine/internal/domain"
)

// PositionSizer turns (balance, entry, stopLoss, cfg) into a venue
// quantity, capped by notional and margin-sufficiency limits.
type PositionSizer struct{}

func New() *PositionSizer {
	return &PositionSizer{}
}

// Calculate implements the pipeline:
//
//	riskDistance = |entry - stopLoss|          ; fail if 0
//	riskUsdt     = balance * cfg.riskPercent
//	qty          = riskUsdt / riskDistance
//	qty          = min(qty, maxPositionUsdt / entry)   # notional cap, if set
//	marginCap    = 0.90 * balance * cfg.fixedLeverage / entry
//	qty          = min(qty, marginCap)
//
// stepSize is the venue's LOT_SIZE step; the result is floored to it,
// never rounded up.
func (s *PositionSizer) Calculate(ctx context.Context, balance, entry, stopLoss float64, cfg domain.EffectiveConfig, stepSize float64) (float64, error) {
	entryD := decimal.NewFromFloat(entry)
	stopLossD := decimal.NewFromFloat(stopLoss)

	riskDistance := entryD.Sub(stopLossD).Abs()
	if riskDistance.IsZero() {
		return 0, fmt.Errorf("sizing: entry and stopLoss are equal, risk distance is zero")
	}
	if entryD.IsZero() {
		return 0, fmt.Errorf("sizing: entry price is zero")
	}

	balanceD := decimal.NewFromFloat(balance)
	riskUsdt := balanceD.Mul(decimal.NewFromFloat(cfg.RiskPercent))
	qty := riskUsdt.Div(riskDistance)

	if cfg.MaxPositionUsdt > 0 {
		notionalCap := decimal.NewFromFloat(cfg.MaxPositionUsdt).Div(entryD)
		qty = decimal.Min(qty, notionalCap)
	}

	marginCap := decimal.NewFromFloat(0.90).
		Mul(balanceD).
		Mul(decimal.NewFromInt(int64(cfg.FixedLeverage))).
		Div(entryD)
	qty = decimal.Min(qty, marginCap)

	if stepSize > 0 {
		qty = floorToStep(qty, decimal.NewFromFloat(stepSize))
	}

	result, _ := qty.Float64()
	if result < 0 {
		result = 0
	}
	return result, nil
}

// floorToStep truncates qty down to the nearest multiple of step,
// never rounding up, per the venue's LOT_SIZE filter.
func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	units := qty.Div(step).Floor()
	return units.Mul(step)
}
