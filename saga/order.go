package saga

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/events"
)

const AggregateOrder = "Order"

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPendingFunds    OrderStatus = "PENDING_FUNDS"
	OrderFundsLocked     OrderStatus = "FUNDS_LOCKED"
	OrderPlaced          OrderStatus = "PLACED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// DefaultOrderTTL is how long an order stays open without an explicit expiry.
const DefaultOrderTTL = 24 * time.Hour

const pricePlaces = 4

type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	OrderType      string          `json:"orderType"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	Status         OrderStatus     `json:"status"`
	LockID         string          `json:"lockId,omitempty"`
	TradeID        string          `json:"tradeId,omitempty"`
	StatusReason   string          `json:"statusReason,omitempty"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Amount is the notional value to reserve for the order.
func (o Order) Amount() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// Validated builds the OrderValidated event for a freshly submitted order.
func (o Order) Validated(now time.Time) *events.OrderValidated {
	return &events.OrderValidated{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   o.OrderType,
		Quantity:    o.Quantity,
		Price:       o.Price,
		Amount:      o.Amount(),
		ExpiresAt:   o.ExpiresAt,
		ValidatedAt: now,
	}
}

var nonTerminalOrder = []string{
	string(OrderNew),
	string(OrderPendingFunds),
	string(OrderFundsLocked),
	string(OrderPlaced),
	string(OrderPartiallyFilled),
}

// OrderMachine drives Order through its lifecycle.
var OrderMachine = NewTable[Order](AggregateOrder,
	func(o Order) string { return string(o.Status) },
	string(OrderFilled), string(OrderCancelled), string(OrderRejected), string(OrderExpired),
).
	On(events.KindOrderValidated, orderValidated, string(OrderNew)).
	On(events.KindFundsLocked, orderFundsLocked, string(OrderNew), string(OrderPendingFunds)).
	On(events.KindTradePlaced, orderTradePlaced, string(OrderFundsLocked)).
	On(events.KindTradeExecuted, orderTradeExecuted,
		string(OrderNew), string(OrderFundsLocked), string(OrderPlaced), string(OrderPartiallyFilled)).
	On(events.KindOrderRejected, orderRejected,
		string(OrderNew), string(OrderPendingFunds), string(OrderFundsLocked), string(OrderPlaced)).
	On(events.KindTradeFailed, orderTradeFailed,
		string(OrderFundsLocked), string(OrderPlaced), string(OrderPartiallyFilled)).
	On(events.KindOrderCancelRequested, orderCancelRequested, nonTerminalOrder...).
	On(events.KindOrderExpiryTriggered, orderExpiryTriggered, nonTerminalOrder...)

func orderValidated(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.OrderValidated](payload)
	if err != nil {
		return o, nil, err
	}
	if o.ID == "" {
		o.ID = p.OrderID
	}
	if o.UserID == "" {
		o.UserID = p.UserID
		o.Symbol = p.Symbol
		o.Side = p.Side
		o.OrderType = p.OrderType
		o.Quantity = p.Quantity
		o.Price = p.Price
	}
	if o.ExpiresAt == nil {
		exp := now.Add(DefaultOrderTTL)
		if p.ExpiresAt != nil {
			exp = *p.ExpiresAt
		}
		o.ExpiresAt = &exp
	}
	o.Status = OrderPendingFunds
	o.UpdatedAt = now

	out := *p
	out.Amount = o.Amount()
	out.ExpiresAt = o.ExpiresAt
	return o, []events.Payload{&out}, nil
}

func orderFundsLocked(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.FundsLocked](payload)
	if err != nil {
		return o, nil, err
	}
	o.LockID = p.LockID
	o.Status = OrderFundsLocked
	o.UpdatedAt = now
	return o, nil, nil
}

func orderTradePlaced(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.TradePlaced](payload)
	if err != nil {
		return o, nil, err
	}
	o.TradeID = p.TradeID
	o.Status = OrderPlaced
	o.UpdatedAt = now
	return o, nil, nil
}

// orderTradeExecuted accumulates fills. The average price is weighted by
// quantity and kept at four decimal places.
func orderTradeExecuted(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.TradeExecuted](payload)
	if err != nil {
		return o, nil, err
	}
	if !p.ExecutedQuantity.IsPositive() {
		return o, nil, illegal(AggregateOrder, string(o.Status), p.Kind(), "executed quantity must be positive")
	}

	filled := o.FilledQuantity.Add(p.ExecutedQuantity)
	notional := o.AveragePrice.Mul(o.FilledQuantity).Add(p.ExecutedPrice.Mul(p.ExecutedQuantity))
	o.AveragePrice = notional.Div(filled).Round(pricePlaces)
	o.FilledQuantity = filled
	if p.TradeID != "" {
		o.TradeID = p.TradeID
	}

	if filled.GreaterThanOrEqual(o.Quantity) {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
	o.UpdatedAt = now
	return o, nil, nil
}

func orderRejected(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.OrderRejected](payload)
	if err != nil {
		return o, nil, err
	}
	o.Status = OrderRejected
	o.StatusReason = p.RejectionReason
	o.UpdatedAt = now
	return o, nil, nil
}

// orderTradeFailed rejects an order that never filled and cancels the
// remainder of a partially filled one.
func orderTradeFailed(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.TradeFailed](payload)
	if err != nil {
		return o, nil, err
	}
	if o.Status == OrderPartiallyFilled {
		o.Status = OrderCancelled
	} else {
		o.Status = OrderRejected
	}
	o.StatusReason = p.Reason
	o.UpdatedAt = now
	return o, nil, nil
}

func orderCancelRequested(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.OrderCancelRequested](payload)
	if err != nil {
		return o, nil, err
	}
	o.Status = OrderCancelled
	o.StatusReason = p.Reason
	o.UpdatedAt = now
	return o, []events.Payload{&events.OrderCancelled{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Reason:      p.Reason,
		CancelledAt: now,
	}}, nil
}

func orderExpiryTriggered(o Order, payload events.Payload, now time.Time) (Order, []events.Payload, error) {
	p, err := as[*events.OrderExpiryTriggered](payload)
	if err != nil {
		return o, nil, err
	}
	if o.ExpiresAt == nil || !p.TriggeredAt.After(*o.ExpiresAt) {
		return o, nil, nil
	}
	o.Status = OrderExpired
	o.UpdatedAt = now
	return o, []events.Payload{&events.OrderExpired{
		OrderID:   o.ID,
		UserID:    o.UserID,
		ExpiredAt: p.TriggeredAt,
	}}, nil
}
