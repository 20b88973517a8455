package signalparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/domain"
)

var src = domain.SignalSource{Platform: "telegram", Channel: "alpha", Author: "trader1", MessageID: "m1"}

func TestParse_StructuredEntry(t *testing.T) {
	raw := "BTCUSDT\n方向：多\n入场：95000\n止损：93000\n止盈：100000\n止盈：105000"
	sig := Parse(raw, src)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalEntry, sig.SignalType)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	require.NotNil(t, sig.Side)
	assert.Equal(t, domain.Long, *sig.Side)
	assert.Equal(t, 95000.0, sig.EntryPrice())
	assert.Equal(t, 93000.0, sig.StopLoss)
	assert.Equal(t, []float64{100000, 105000}, sig.TakeProfits)
}

func TestParse_StructuredEntry_SentinelStopLoss(t *testing.T) {
	raw := "ETH\n方向：空\n入场：3000\n止损：未設定\n止盈：2800"
	sig := Parse(raw, src)
	require.NotNil(t, sig)
	assert.Equal(t, "ETHUSDT", sig.Symbol)
	assert.Equal(t, domain.Short, *sig.Side)
	assert.Equal(t, 0.0, sig.StopLoss)
	assert.Equal(t, []float64{2800}, sig.TakeProfits)
}

func TestParse_StructuredCancel(t *testing.T) {
	sig := Parse("取消 BTCUSDT 多单", src)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalCancel, sig.SignalType)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
}

func TestParse_StructuredMoveSL(t *testing.T) {
	raw := "仓位更新\n新止损：94000\n新止盈：101000"
	sig := Parse(raw, src)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalMoveSL, sig.SignalType)
	require.NotNil(t, sig.NewStopLoss)
	assert.Equal(t, 94000.0, *sig.NewStopLoss)
	require.NotNil(t, sig.NewTakeProfit)
	assert.Equal(t, 101000.0, *sig.NewTakeProfit)
}

func TestParse_StructuredMoveSL_EmptyIsNoOp(t *testing.T) {
	sig := Parse("仓位更新\n仅供参考", src)
	assert.Nil(t, sig)
}

func TestParse_NarrativeEntry_Range(t *testing.T) {
	raw := "BTCUSDT 95000-96000 多 SL:93000 TP:100000 TP:102000"
	sig := Parse(raw, src)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalEntry, sig.SignalType)
	assert.Equal(t, 95000.0, sig.EntryPriceLow)
	assert.Equal(t, 96000.0, sig.EntryPriceHigh)
	assert.Equal(t, domain.Long, *sig.Side)
	assert.Equal(t, 93000.0, sig.StopLoss)
	assert.Equal(t, []float64{100000, 102000}, sig.TakeProfits)
}

func TestParse_NarrativeEntry_Nearby(t *testing.T) {
	raw := "ETH 3000附近 空 SL:3100 TP:2800"
	sig := Parse(raw, src)
	require.NotNil(t, sig)
	assert.Equal(t, "ETHUSDT", sig.Symbol)
	assert.Equal(t, 3000.0, sig.EntryPriceLow)
	assert.Equal(t, 3000.0, sig.EntryPriceHigh)
	assert.Equal(t, domain.Short, *sig.Side)
}

func TestParse_TriggerLine(t *testing.T) {
	sig := Parse("95000多触发入场", src)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalEntry, sig.SignalType)
	assert.Equal(t, domain.Long, *sig.Side)
	assert.Equal(t, 95000.0, sig.EntryPrice())
}

func TestParse_Unrecognised(t *testing.T) {
	assert.Nil(t, Parse("good morning everyone", src))
	assert.Nil(t, Parse("", src))
	assert.Nil(t, Parse("   ", src))
}

func TestParse_EntryMissingSymbolIsUnrecognised(t *testing.T) {
	raw := "方向：多\n入场：95000\n止损：93000"
	assert.Nil(t, Parse(raw, src))
}
