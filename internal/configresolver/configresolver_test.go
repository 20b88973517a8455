package configresolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/domain"
)

func globals() domain.GlobalDefaults {
	return domain.GlobalDefaults{
		RiskPercent:       0.02,
		MaxPositionUsdt:   5000,
		MaxDailyLossUsdt:  1000,
		MaxDcaPerSymbol:   2,
		DcaRiskMultiplier: 1.5,
		FixedLeverage:     10,
		AllowedSymbols:    []string{"BTCUSDT", "ETHUSDT"},
		DedupEnabled:      true,
		DefaultSymbol:     "BTCUSDT",
	}
}

func TestResolve_DisabledUsesGlobalVerbatim(t *testing.T) {
	risk := 0.5
	cfg := Resolve(globals(), domain.UserOverride{Enabled: false, RiskPercent: &risk})
	assert.Equal(t, 0.02, cfg.RiskPercent)
	assert.True(t, cfg.AllowsSymbol("BTCUSDT"))
	assert.False(t, cfg.AllowsSymbol("SOLUSDT"))
}

func TestResolve_EnabledOverridesNonNilFields(t *testing.T) {
	risk := 0.1
	lev := 20
	cfg := Resolve(globals(), domain.UserOverride{Enabled: true, RiskPercent: &risk, FixedLeverage: &lev})
	assert.Equal(t, 0.1, cfg.RiskPercent)
	assert.Equal(t, 20, cfg.FixedLeverage)
	// Unset fields fall back to global.
	assert.Equal(t, 5000.0, cfg.MaxPositionUsdt)
	assert.Equal(t, 2, cfg.MaxDcaPerSymbol)
}

func TestResolve_AllowedSymbolsValidJSON(t *testing.T) {
	raw := `["SOLUSDT","XRPUSDT"]`
	cfg := Resolve(globals(), domain.UserOverride{Enabled: true, AllowedSymbolsRaw: &raw})
	assert.True(t, cfg.AllowsSymbol("SOLUSDT"))
	assert.False(t, cfg.AllowsSymbol("BTCUSDT"))
}

func TestResolve_AllowedSymbolsInvalidJSONFallsBack(t *testing.T) {
	raw := `not json`
	cfg := Resolve(globals(), domain.UserOverride{Enabled: true, AllowedSymbolsRaw: &raw})
	assert.True(t, cfg.AllowsSymbol("BTCUSDT"))
}

func TestResolve_AllowedSymbolsEmptyArrayFallsBack(t *testing.T) {
	raw := `[]`
	cfg := Resolve(globals(), domain.UserOverride{Enabled: true, AllowedSymbolsRaw: &raw})
	assert.True(t, cfg.AllowsSymbol("BTCUSDT"))
}

func TestValidate_AllWithinRange(t *testing.T) {
	cfg := Resolve(globals(), domain.UserOverride{})
	require.NoError(t, Validate(cfg))
}

func TestValidate_RiskPercentOutOfRange(t *testing.T) {
	cfg := Resolve(globals(), domain.UserOverride{})
	cfg.RiskPercent = 2.0
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "riskPercent")
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	cfg := Resolve(globals(), domain.UserOverride{})
	cfg.RiskPercent = 5
	cfg.FixedLeverage = 200
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "riskPercent")
	assert.Contains(t, err.Error(), "leverage")
}

func TestValidate_ZeroMaxPositionUsdtDisablesCapCheck(t *testing.T) {
	cfg := Resolve(globals(), domain.UserOverride{})
	cfg.MaxPositionUsdt = 0
	require.NoError(t, Validate(cfg))
}
