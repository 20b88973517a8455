// Package configresolver merges global and per-user configuration into
// an EffectiveConfig, and validates the ranges config writers must
// enforce.
package configresolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"tradeengine/internal/domain"
)

// Resolve merges global with override: when the override is disabled,
// every field is the global default; when enabled, each field uses
// the per-user value if non-nil, else falls back to global.
func Resolve(global domain.GlobalDefaults, override domain.UserOverride) domain.EffectiveConfig {
	cfg := domain.EffectiveConfig{
		RiskPercent:       global.RiskPercent,
		MaxPositionUsdt:   global.MaxPositionUsdt,
		MaxDailyLossUsdt:  global.MaxDailyLossUsdt,
		MaxDcaPerSymbol:   global.MaxDcaPerSymbol,
		DcaRiskMultiplier: global.DcaRiskMultiplier,
		FixedLeverage:     global.FixedLeverage,
		AllowedSymbols:    toSet(global.AllowedSymbols),
		DedupEnabled:      global.DedupEnabled,
		DefaultSymbol:     global.DefaultSymbol,
	}
	if !override.Enabled {
		return cfg
	}

	if override.RiskPercent != nil {
		cfg.RiskPercent = *override.RiskPercent
	}
	if override.MaxPositionUsdt != nil {
		cfg.MaxPositionUsdt = *override.MaxPositionUsdt
	}
	if override.MaxDailyLossUsdt != nil {
		cfg.MaxDailyLossUsdt = *override.MaxDailyLossUsdt
	}
	if override.MaxDcaPerSymbol != nil {
		cfg.MaxDcaPerSymbol = *override.MaxDcaPerSymbol
	}
	if override.DcaRiskMultiplier != nil {
		cfg.DcaRiskMultiplier = *override.DcaRiskMultiplier
	}
	if override.FixedLeverage != nil {
		cfg.FixedLeverage = *override.FixedLeverage
	}
	if override.DedupEnabled != nil {
		cfg.DedupEnabled = *override.DedupEnabled
	}
	if override.DefaultSymbol != nil {
		cfg.DefaultSymbol = *override.DefaultSymbol
	}
	if override.AllowedSymbolsRaw != nil {
		if symbols, ok := parseAllowedSymbols(*override.AllowedSymbolsRaw); ok {
			cfg.AllowedSymbols = toSet(symbols)
		}
	}

	return cfg
}

func parseAllowedSymbols(raw string) ([]string, bool) {
	var symbols []string
	if err := json.Unmarshal([]byte(raw), &symbols); err != nil {
		return nil, false
	}
	if len(symbols) == 0 {
		return nil, false
	}
	return symbols, true
}

func toSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

// Validate enforces the write-time ranges on an EffectiveConfig.
// Intended for config-write paths, not for Resolve's read path.
func Validate(cfg domain.EffectiveConfig) error {
	var errs []string

	if cfg.RiskPercent < domain.MinRiskPercent || cfg.RiskPercent > domain.MaxRiskPercent {
		errs = append(errs, fmt.Sprintf("riskPercent %.4f out of range [%.2f, %.2f]", cfg.RiskPercent, domain.MinRiskPercent, domain.MaxRiskPercent))
	}
	if cfg.FixedLeverage < domain.MinLeverage || cfg.FixedLeverage > domain.MaxLeverage {
		errs = append(errs, fmt.Sprintf("leverage %d out of range [%d, %d]", cfg.FixedLeverage, domain.MinLeverage, domain.MaxLeverage))
	}
	if cfg.MaxDcaPerSymbol < domain.MinDcaLayers || cfg.MaxDcaPerSymbol > domain.MaxDcaLayers {
		errs = append(errs, fmt.Sprintf("maxDcaLayers %d out of range [%d, %d]", cfg.MaxDcaPerSymbol, domain.MinDcaLayers, domain.MaxDcaLayers))
	}
	if cfg.DcaRiskMultiplier < domain.MinDcaRiskMultiplier || cfg.DcaRiskMultiplier > domain.MaxDcaRiskMultiplier {
		errs = append(errs, fmt.Sprintf("dcaRiskMultiplier %.2f out of range [%.2f, %.2f]", cfg.DcaRiskMultiplier, domain.MinDcaRiskMultiplier, domain.MaxDcaRiskMultiplier))
	}
	if cfg.MaxPositionUsdt != 0 && (cfg.MaxPositionUsdt < domain.MinMaxPositionUsdt || cfg.MaxPositionUsdt > domain.MaxMaxPositionUsdt) {
		errs = append(errs, fmt.Sprintf("maxPositionSizeUsdt %.2f out of range [%.2f, %.2f]", cfg.MaxPositionUsdt, domain.MinMaxPositionUsdt, domain.MaxMaxPositionUsdt))
	}
	if cfg.MaxDailyLossUsdt < domain.MinDailyLossLimit || cfg.MaxDailyLossUsdt > domain.MaxDailyLossLimit {
		errs = append(errs, fmt.Sprintf("dailyLossLimitUsdt %.2f out of range [%.2f, %.2f]", cfg.MaxDailyLossUsdt, domain.MinDailyLossLimit, domain.MaxDailyLossLimit))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
}
