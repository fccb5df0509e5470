package participant

import (
	"context"
	"fmt"

	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/router"
	"github.com/overtonx/sagaflow/saga"
)

const TradeConsumer = "trade-service"

// TradeID is the id of the trade placed for orderID.
func TradeID(orderID string) string { return deterministicID("trade", orderID) }

// Trades owns the Trade aggregate. A trade is placed as soon as its order's
// funds are locked and is then driven by execution reports.
type Trades struct {
	unit   *Unit
	trades repo[saga.Trade]
}

func NewTrades(unit *Unit) *Trades {
	return &Trades{
		unit:   unit,
		trades: newRepo(unit, saga.TradeMachine, nil),
	}
}

func (t *Trades) Kinds() []events.Kind {
	return []events.Kind{
		events.KindFundsLocked,
		events.KindExecutionReported,
		events.KindExecutionFailed,
	}
}

func (t *Trades) Register(reg *router.Registry) {
	reg.RegisterFunc(events.KindFundsLocked, t.onFundsLocked)
	reg.RegisterFunc(events.KindExecutionReported, t.onExecution)
	reg.RegisterFunc(events.KindExecutionFailed, t.onExecution)
}

// Close closes a fully executed trade.
func (t *Trades) Close(ctx context.Context, tradeID string) (saga.Trade, error) {
	var result saga.Trade
	err := t.unit.Command(ctx, func(ctx context.Context) error {
		rw, err := t.trades.lock(ctx, tradeID)
		if err != nil {
			return err
		}
		out, err := t.trades.apply(ctx, rw, &events.TradeCloseRequested{
			TradeID:     tradeID,
			RequestedAt: t.unit.now(),
		}, "")
		if err != nil {
			return err
		}
		result = out.Aggregate
		return nil
	})
	if err != nil {
		return saga.Trade{}, fmt.Errorf("failed to close trade %s: %w", tradeID, err)
	}
	return result, nil
}

func (t *Trades) Get(ctx context.Context, tradeID string) (saga.Trade, error) {
	rw, err := t.trades.get(ctx, tradeID)
	if err != nil {
		return saga.Trade{}, err
	}
	return rw.value, nil
}

// onFundsLocked creates, validates and places the trade of the order in one
// step. The trade id derives from the order id, so a second FundsLocked for
// the same order loses the insert race and is acknowledged as a duplicate.
func (t *Trades) onFundsLocked(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.FundsLocked)
	if !ok {
		return unexpected(env)
	}
	return t.unit.Process(ctx, env.CorrelationID, env.Kind, nil, func(ctx context.Context) error {
		now := t.unit.now()
		trade := saga.Trade{
			ID:        TradeID(p.OrderID),
			OrderID:   p.OrderID,
			UserID:    p.UserID,
			Symbol:    p.Symbol,
			Side:      p.Side,
			Quantity:  p.Quantity,
			Price:     p.Price,
			Status:    saga.TradeCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}

		var emitted []events.Payload
		for _, step := range []events.Payload{
			&events.TradeValidated{TradeID: trade.ID, ValidatedAt: now},
			&events.TradePlaced{TradeID: trade.ID, OrderID: trade.OrderID, PlacedAt: now},
		} {
			out, err := saga.TradeMachine.Apply(trade, step, now)
			if err != nil {
				return err
			}
			trade = out.Aggregate
			emitted = append(emitted, out.Emitted...)
		}

		if err := t.trades.create(ctx, trade.ID, trade); err != nil {
			return err
		}
		return t.unit.emit(ctx, saga.AggregateTrade, trade.ID, env.CorrelationID, emitted...)
	})
}

func (t *Trades) onExecution(ctx context.Context, env events.Envelope) error {
	var tradeID string
	switch p := env.Payload.(type) {
	case *events.ExecutionReported:
		tradeID = p.TradeID
	case *events.ExecutionFailed:
		tradeID = p.TradeID
	default:
		return unexpected(env)
	}
	return t.trades.handle(ctx, env, tradeID, nil)
}
