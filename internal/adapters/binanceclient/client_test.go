package binanceclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adshao/go-binance/v2/futures"
)

func TestNewClientOrderID_HasPrefixAndUnique(t *testing.T) {
	a := NewClientOrderID("entry")
	b := NewClientOrderID("entry")
	assert.True(t, strings.HasPrefix(a, "entry-"))
	assert.NotEqual(t, a, b)
}

func TestFormatFloat_NoTrailingZerosOrExponent(t *testing.T) {
	assert.Equal(t, "1.5", formatFloat(1.5))
	assert.Equal(t, "100", formatFloat(100))
	assert.Equal(t, "0.001", formatFloat(0.001))
}

func TestTranslateOrderResponse_PrefersAvgPriceOverPrice(t *testing.T) {
	order := &futures.CreateOrderResponse{
		OrderID:          42,
		Symbol:           "BTCUSDT",
		Side:             futures.SideTypeBuy,
		Type:             futures.OrderTypeMarket,
		Price:            "0",
		AvgPrice:         "95000.5",
		ExecutedQuantity: "0.01",
	}
	result := translateOrderResponse(order)
	assert.Equal(t, int64(42), result.OrderID)
	assert.Equal(t, 95000.5, result.Price)
	assert.Equal(t, 0.01, result.Quantity)
}

func TestTranslateOrderResponse_FallsBackToPriceWhenAvgPriceZero(t *testing.T) {
	order := &futures.CreateOrderResponse{
		OrderID: 7,
		Price:   "100.25",
	}
	result := translateOrderResponse(order)
	assert.Equal(t, 100.25, result.Price)
}

func TestTranslateOrderResponse_Nil(t *testing.T) {
	assert.Nil(t, translateOrderResponse(nil))
}
