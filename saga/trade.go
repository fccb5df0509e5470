package saga

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/events"
)

const AggregateTrade = "Trade"

type TradeStatus string

const (
	TradeCreated   TradeStatus = "CREATED"
	TradeValidated TradeStatus = "VALIDATED"
	TradePlaced    TradeStatus = "PLACED"
	TradeExecuted  TradeStatus = "EXECUTED"
	TradeFailed    TradeStatus = "FAILED"
	TradeClosed    TradeStatus = "CLOSED"
)

type Trade struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"orderId"`
	UserID           string          `json:"userId"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	AveragePrice     decimal.Decimal `json:"averagePrice"`
	Status           TradeStatus     `json:"status"`
	FailureReason    string          `json:"failureReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
}

// FullyExecuted reports whether the whole quantity has been filled.
func (t Trade) FullyExecuted() bool {
	return t.ExecutedQuantity.GreaterThanOrEqual(t.Quantity)
}

// TradeMachine drives Trade from creation to close.
var TradeMachine = NewTable[Trade](AggregateTrade,
	func(t Trade) string { return string(t.Status) },
	string(TradeFailed), string(TradeClosed),
).
	On(events.KindTradeValidated, tradeValidated, string(TradeCreated)).
	On(events.KindTradePlaced, tradePlaced, string(TradeValidated)).
	On(events.KindExecutionReported, tradeExecutionReported, string(TradePlaced), string(TradeExecuted)).
	On(events.KindExecutionFailed, tradeExecutionFailed,
		string(TradeCreated), string(TradeValidated), string(TradePlaced), string(TradeExecuted)).
	On(events.KindTradeCloseRequested, tradeCloseRequested, string(TradeExecuted))

func tradeValidated(t Trade, payload events.Payload, now time.Time) (Trade, []events.Payload, error) {
	if _, err := as[*events.TradeValidated](payload); err != nil {
		return t, nil, err
	}
	t.Status = TradeValidated
	t.UpdatedAt = now
	return t, nil, nil
}

func tradePlaced(t Trade, payload events.Payload, now time.Time) (Trade, []events.Payload, error) {
	p, err := as[*events.TradePlaced](payload)
	if err != nil {
		return t, nil, err
	}
	t.Status = TradePlaced
	t.UpdatedAt = now
	return t, []events.Payload{&events.TradePlaced{
		TradeID:  t.ID,
		OrderID:  t.OrderID,
		PlacedAt: p.PlacedAt,
	}}, nil
}

func tradeExecutionReported(t Trade, payload events.Payload, now time.Time) (Trade, []events.Payload, error) {
	p, err := as[*events.ExecutionReported](payload)
	if err != nil {
		return t, nil, err
	}
	remaining := t.Quantity.Sub(t.ExecutedQuantity)
	if p.ExecutedQuantity.GreaterThan(remaining) {
		return t, nil, illegal(AggregateTrade, string(t.Status), p.Kind(), "execution exceeds remaining quantity")
	}

	executed := t.ExecutedQuantity.Add(p.ExecutedQuantity)
	notional := t.AveragePrice.Mul(t.ExecutedQuantity).Add(p.ExecutedPrice.Mul(p.ExecutedQuantity))
	t.AveragePrice = notional.Div(executed).Round(pricePlaces)
	t.ExecutedQuantity = executed
	t.Status = TradeExecuted
	t.UpdatedAt = now

	return t, []events.Payload{&events.TradeExecuted{
		OrderID:          t.OrderID,
		TradeID:          t.ID,
		ExecutedQuantity: p.ExecutedQuantity,
		ExecutedPrice:    p.ExecutedPrice,
		ExecutedAt:       p.ExecutedAt,
		IsPartialFill:    !t.FullyExecuted(),
	}}, nil
}

func tradeExecutionFailed(t Trade, payload events.Payload, now time.Time) (Trade, []events.Payload, error) {
	p, err := as[*events.ExecutionFailed](payload)
	if err != nil {
		return t, nil, err
	}
	t.Status = TradeFailed
	t.FailureReason = p.Reason
	t.UpdatedAt = now
	return t, []events.Payload{&events.TradeFailed{
		TradeID:  t.ID,
		OrderID:  t.OrderID,
		Reason:   p.Reason,
		FailedAt: p.FailedAt,
	}}, nil
}

func tradeCloseRequested(t Trade, payload events.Payload, now time.Time) (Trade, []events.Payload, error) {
	p, err := as[*events.TradeCloseRequested](payload)
	if err != nil {
		return t, nil, err
	}
	if !t.FullyExecuted() {
		return t, nil, illegal(AggregateTrade, string(t.Status), p.Kind(), "trade is not fully executed")
	}
	t.Status = TradeClosed
	t.ClosedAt = &now
	t.UpdatedAt = now
	return t, []events.Payload{&events.TradeClosed{
		TradeID:  t.ID,
		OrderID:  t.OrderID,
		ClosedAt: now,
	}}, nil
}
