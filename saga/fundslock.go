package saga

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/events"
)

const AggregateFundsLock = "FundsLock"

type FundsLockStatus string

const (
	FundsLockActive   FundsLockStatus = "ACTIVE"
	FundsLockReleased FundsLockStatus = "RELEASED"
	FundsLockConsumed FundsLockStatus = "CONSUMED"
)

// FundsLock is the reservation held for one order. Consumed and Released
// only grow; the participant turns their deltas into wallet movements.
type FundsLock struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	WalletID       string          `json:"walletId"`
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	ConsumedAmount decimal.Decimal `json:"consumedAmount"`
	ReleasedAmount decimal.Decimal `json:"releasedAmount"`
	Status         FundsLockStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	LockedAt       time.Time       `json:"lockedAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Remaining is the part of the lock neither consumed nor released.
func (l FundsLock) Remaining() decimal.Decimal {
	return l.Amount.Sub(l.ConsumedAmount).Sub(l.ReleasedAmount)
}

// FundsLockMachine settles or releases a reservation.
var FundsLockMachine = NewTable[FundsLock](AggregateFundsLock,
	func(l FundsLock) string { return string(l.Status) },
	string(FundsLockReleased), string(FundsLockConsumed),
).
	On(events.KindTradeExecuted, fundsLockTradeExecuted, string(FundsLockActive)).
	On(events.KindOrderCancelled, fundsLockRelease, string(FundsLockActive)).
	On(events.KindOrderRejected, fundsLockRelease, string(FundsLockActive)).
	On(events.KindOrderExpired, fundsLockRelease, string(FundsLockActive)).
	On(events.KindTradeFailed, fundsLockRelease, string(FundsLockActive))

// fundsLockTradeExecuted consumes the filled notional at the lock price. The
// final fill consumes the lock and hands back whatever is left.
func fundsLockTradeExecuted(l FundsLock, payload events.Payload, now time.Time) (FundsLock, []events.Payload, error) {
	p, err := as[*events.TradeExecuted](payload)
	if err != nil {
		return l, nil, err
	}
	consume := decimal.Min(p.ExecutedQuantity.Mul(l.Price), l.Remaining())
	l.ConsumedAmount = l.ConsumedAmount.Add(consume)

	if !p.IsPartialFill || !l.Remaining().IsPositive() {
		l.ReleasedAmount = l.ReleasedAmount.Add(l.Remaining())
		l.Status = FundsLockConsumed
		l.Reason = "Trade executed"
	}
	l.UpdatedAt = now
	return l, nil, nil
}

func fundsLockRelease(l FundsLock, payload events.Payload, now time.Time) (FundsLock, []events.Payload, error) {
	l.ReleasedAmount = l.ReleasedAmount.Add(l.Remaining())
	l.Status = FundsLockReleased
	l.Reason = releaseReason(payload)
	l.UpdatedAt = now
	return l, nil, nil
}

func releaseReason(payload events.Payload) string {
	switch p := payload.(type) {
	case *events.OrderCancelled:
		return "Order cancelled: " + p.Reason
	case *events.OrderRejected:
		return "Order rejected: " + p.RejectionReason
	case *events.OrderExpired:
		return "Order expired"
	case *events.TradeFailed:
		return "Trade failed: " + p.Reason
	default:
		return string(payload.Kind())
	}
}
