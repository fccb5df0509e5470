package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTradeExecuted() *TradeExecuted {
	return &TradeExecuted{
		OrderID:          "O1",
		TradeID:          "T1",
		ExecutedQuantity: decimal.RequireFromString("1.5"),
		ExecutedPrice:    decimal.RequireFromString("101.25"),
		ExecutedAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		IsPartialFill:    true,
	}
}

func TestProtoCodec_PreservesDecimalsAndTimes(t *testing.T) {
	codec := ProtoCodec{}
	data, err := codec.Marshal(sampleTradeExecuted())
	require.NoError(t, err)

	got := &TradeExecuted{}
	require.NoError(t, codec.Unmarshal(data, got))

	want := sampleTradeExecuted()
	assert.True(t, want.ExecutedQuantity.Equal(got.ExecutedQuantity))
	assert.True(t, want.ExecutedPrice.Equal(got.ExecutedPrice))
	assert.True(t, want.ExecutedAt.Equal(got.ExecutedAt))
	assert.Equal(t, want.OrderID, got.OrderID)
	assert.True(t, got.IsPartialFill)
}

func TestDecode(t *testing.T) {
	body, err := JSONCodec{}.Marshal(sampleTradeExecuted())
	require.NoError(t, err)

	t.Run("valid json", func(t *testing.T) {
		p, err := Decode(KindTradeExecuted, ContentTypeJSON, body)
		require.NoError(t, err)
		te, ok := p.(*TradeExecuted)
		require.True(t, ok)
		assert.Equal(t, "T1", te.TradeID)
	})

	t.Run("empty content type defaults to json", func(t *testing.T) {
		_, err := Decode(KindTradeExecuted, "", body)
		assert.NoError(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Decode(Kind("Nope"), ContentTypeJSON, body)
		assert.True(t, IsValidationError(err))
	})

	t.Run("garbage body", func(t *testing.T) {
		_, err := Decode(KindTradeExecuted, ContentTypeJSON, []byte("{not json"))
		assert.True(t, IsValidationError(err))
	})

	t.Run("unsupported content type", func(t *testing.T) {
		_, err := Decode(KindTradeExecuted, "text/csv", body)
		assert.True(t, IsValidationError(err))
	})

	t.Run("field rules", func(t *testing.T) {
		_, err := Decode(KindTradeExecuted, ContentTypeJSON, []byte(`{"orderId":"O1","tradeId":"T1","executedQuantity":"0","executedPrice":"10","executedAt":"2026-03-01T10:00:00Z"}`))
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Contains(t, err.Error(), "ExecutedQuantity failed dpos")
	})
}

func TestValidate_Email(t *testing.T) {
	err := Validate(&UserCreated{UserID: "u1", Email: "not-an-email"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Email failed email")

	assert.NoError(t, Validate(&UserCreated{UserID: "u1", Email: "u1@example.com"}))
}

func TestRouteFor(t *testing.T) {
	d, ok := RouteFor(KindFundsLocked)
	require.True(t, ok)
	assert.Equal(t, Destination{Exchange: ExchangeFunds, RoutingKey: "funds.locked"}, d)

	_, ok = RouteFor(KindTradeValidated)
	assert.False(t, ok)

	assert.NotContains(t, Exchanges(), ExchangeDeadLetter)
	assert.Contains(t, Exchanges(), ExchangeScheduler)
}
