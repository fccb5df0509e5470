package participant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/router"
	"github.com/overtonx/sagaflow/saga"
)

const OrderConsumer = "order-service"

// SubmitOrder is a new order as entered by a user.
type SubmitOrder struct {
	UserID    string          `validate:"required"`
	Symbol    string          `validate:"required"`
	Side      string          `validate:"oneof=BUY SELL"`
	OrderType string          `validate:"oneof=MARKET LIMIT"`
	Quantity  decimal.Decimal `validate:"dpos"`
	Price     decimal.Decimal `validate:"dpos"`
	ExpiresAt *time.Time
}

// Orders owns the Order aggregate.
type Orders struct {
	unit   *Unit
	orders repo[saga.Order]
}

func NewOrders(unit *Unit) *Orders {
	return &Orders{
		unit:   unit,
		orders: newRepo(unit, saga.OrderMachine, func(o saga.Order) *time.Time { return o.ExpiresAt }),
	}
}

// Submit stores a new order, validates it and asks for its funds, in one
// transaction.
func (o *Orders) Submit(ctx context.Context, cmd SubmitOrder) (saga.Order, error) {
	if err := events.Validator().Struct(cmd); err != nil {
		return saga.Order{}, &events.ValidationError{Kind: events.KindOrderValidated, Reason: "invalid order", Err: err}
	}

	now := o.unit.now()
	order := saga.Order{
		ID:        uuid.NewString(),
		UserID:    cmd.UserID,
		Symbol:    cmd.Symbol,
		Side:      cmd.Side,
		OrderType: cmd.OrderType,
		Quantity:  cmd.Quantity,
		Price:     cmd.Price,
		Status:    saga.OrderNew,
		ExpiresAt: cmd.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	out, err := saga.OrderMachine.Apply(order, order.Validated(now), now)
	if err != nil {
		return saga.Order{}, err
	}

	err = o.unit.Command(ctx, func(ctx context.Context) error {
		if err := o.orders.create(ctx, order.ID, out.Aggregate); err != nil {
			return err
		}
		return o.unit.emit(ctx, saga.AggregateOrder, order.ID, "", out.Emitted...)
	})
	if err != nil {
		return saga.Order{}, fmt.Errorf("failed to submit order: %w", err)
	}
	return out.Aggregate, nil
}

// Cancel cancels a non-terminal order on behalf of its owner.
func (o *Orders) Cancel(ctx context.Context, orderID, reason string) (saga.Order, error) {
	var result saga.Order
	err := o.unit.Command(ctx, func(ctx context.Context) error {
		rw, err := o.orders.lock(ctx, orderID)
		if err != nil {
			return err
		}
		out, err := o.orders.apply(ctx, rw, &events.OrderCancelRequested{
			OrderID:     orderID,
			Reason:      reason,
			RequestedAt: o.unit.now(),
		}, "")
		if err != nil {
			return err
		}
		result = out.Aggregate
		return nil
	})
	if err != nil {
		return saga.Order{}, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return result, nil
}

// Get reads an order without locking it.
func (o *Orders) Get(ctx context.Context, orderID string) (saga.Order, error) {
	rw, err := o.orders.get(ctx, orderID)
	if err != nil {
		return saga.Order{}, err
	}
	return rw.value, nil
}

// Kinds lists the events the order service consumes.
func (o *Orders) Kinds() []events.Kind {
	return []events.Kind{
		events.KindFundsLocked,
		events.KindOrderRejected,
		events.KindTradePlaced,
		events.KindTradeExecuted,
		events.KindTradeFailed,
		events.KindOrderExpiryTriggered,
	}
}

func (o *Orders) Register(reg *router.Registry) {
	reg.RegisterFunc(events.KindFundsLocked, o.onOrderEvent)
	reg.RegisterFunc(events.KindOrderRejected, o.onOrderEvent)
	reg.RegisterFunc(events.KindTradePlaced, o.onOrderEvent)
	reg.RegisterFunc(events.KindTradeExecuted, o.onOrderEvent)
	reg.RegisterFunc(events.KindTradeFailed, o.onOrderEvent)
	reg.RegisterFunc(events.KindOrderExpiryTriggered, o.onExpiry)
}

func (o *Orders) onOrderEvent(ctx context.Context, env events.Envelope) error {
	id, err := orderIDOf(env.Payload)
	if err != nil {
		return err
	}
	return o.orders.handle(ctx, env, id, nil)
}

func (o *Orders) onExpiry(ctx context.Context, env events.Envelope) error {
	trig, ok := env.Payload.(*events.OrderExpiryTriggered)
	if !ok {
		return unexpected(env)
	}
	return o.orders.sweep(ctx, env, trig.TriggeredAt)
}

func orderIDOf(p events.Payload) (string, error) {
	switch v := p.(type) {
	case *events.FundsLocked:
		return v.OrderID, nil
	case *events.OrderRejected:
		return v.OrderID, nil
	case *events.TradePlaced:
		return v.OrderID, nil
	case *events.TradeExecuted:
		return v.OrderID, nil
	case *events.TradeFailed:
		return v.OrderID, nil
	case *events.OrderCancelled:
		return v.OrderID, nil
	case *events.OrderExpired:
		return v.OrderID, nil
	default:
		return "", &events.ValidationError{Kind: p.Kind(), Reason: "payload carries no order id"}
	}
}
