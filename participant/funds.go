package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/router"
	"github.com/overtonx/sagaflow/saga"
	"github.com/overtonx/sagaflow/storage"
)

const (
	FundsConsumer   = "funds-service"
	defaultCurrency = "USD"
)

// WalletID is the id of the wallet opened for userID.
func WalletID(userID string) string { return deterministicID("wallet", userID) }

// LockID is the id of the funds lock reserved for orderID.
func LockID(orderID string) string { return deterministicID("lock", orderID) }

// Funds owns wallets and the reservations taken against them.
type Funds struct {
	unit    *Unit
	wallets repo[saga.Wallet]
	locks   repo[saga.FundsLock]
}

func NewFunds(unit *Unit) *Funds {
	return &Funds{
		unit: unit,
		wallets: repo[saga.Wallet]{
			unit:   unit,
			typ:    saga.AggregateWallet,
			status: func(w saga.Wallet) string { return w.Status },
		},
		locks: newRepo(unit, saga.FundsLockMachine, nil),
	}
}

func (f *Funds) Kinds() []events.Kind {
	return []events.Kind{
		events.KindUserCreated,
		events.KindPaymentSucceeded,
		events.KindOrderValidated,
		events.KindTradeExecuted,
		events.KindOrderCancelled,
		events.KindOrderRejected,
		events.KindOrderExpired,
		events.KindTradeFailed,
	}
}

func (f *Funds) Register(reg *router.Registry) {
	reg.RegisterFunc(events.KindUserCreated, f.onUserCreated)
	reg.RegisterFunc(events.KindPaymentSucceeded, f.onPaymentSucceeded)
	reg.RegisterFunc(events.KindOrderValidated, f.onOrderValidated)
	for _, kind := range []events.Kind{
		events.KindTradeExecuted,
		events.KindOrderCancelled,
		events.KindOrderRejected,
		events.KindOrderExpired,
		events.KindTradeFailed,
	} {
		reg.RegisterFunc(kind, f.onLockEvent)
	}
}

// Wallet reads the wallet of userID without locking it.
func (f *Funds) Wallet(ctx context.Context, userID string) (saga.Wallet, error) {
	rw, err := f.wallets.get(ctx, WalletID(userID))
	if err != nil {
		return saga.Wallet{}, err
	}
	return rw.value, nil
}

func (f *Funds) onUserCreated(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.UserCreated)
	if !ok {
		return unexpected(env)
	}
	return f.unit.Process(ctx, env.CorrelationID, env.Kind, nil, func(ctx context.Context) error {
		now := f.unit.now()
		id := WalletID(p.UserID)
		err := f.wallets.create(ctx, id, saga.Wallet{
			ID:        id,
			UserID:    p.UserID,
			Currency:  defaultCurrency,
			Status:    saga.WalletActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		f.unit.logger.Info("Wallet opened", zap.String("user_id", p.UserID), zap.String("wallet_id", id))
		return nil
	})
}

func (f *Funds) onPaymentSucceeded(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.PaymentSucceeded)
	if !ok {
		return unexpected(env)
	}
	var wallet *row[saga.Wallet]
	return f.unit.Process(ctx, env.CorrelationID, env.Kind,
		func(ctx context.Context) error {
			var err error
			wallet, err = f.wallets.lock(ctx, WalletID(p.UserID))
			return err
		},
		func(ctx context.Context) error {
			next, entry := wallet.value.Credit(deterministicID(env.CorrelationID, saga.EntryDeposit), p.Amount, saga.Reference{
				ID:          p.PaymentID,
				Type:        "PAYMENT",
				Description: "Payment received: " + p.PaymentID,
			}, f.unit.now())
			if err := f.wallets.save(ctx, wallet, next); err != nil {
				return err
			}
			return f.unit.emit(ctx, saga.AggregateWallet, next.ID, env.CorrelationID, entry)
		},
	)
}

// onOrderValidated reserves the order amount, or rejects the order when the
// wallet is missing or short.
func (f *Funds) onOrderValidated(ctx context.Context, env events.Envelope) error {
	p, ok := env.Payload.(*events.OrderValidated)
	if !ok {
		return unexpected(env)
	}
	var wallet *row[saga.Wallet]
	missing := false
	return f.unit.Process(ctx, env.CorrelationID, env.Kind,
		func(ctx context.Context) error {
			var err error
			wallet, err = f.wallets.lock(ctx, WalletID(p.UserID))
			if errors.Is(err, storage.ErrNotFound) {
				missing = true
				return nil
			}
			return err
		},
		func(ctx context.Context) error {
			now := f.unit.now()
			if missing {
				return f.reject(ctx, env, p.OrderID, "Wallet not found for user: "+p.UserID, now)
			}

			lockID := LockID(p.OrderID)
			next, entry, err := wallet.value.Reserve(deterministicID(env.CorrelationID, saga.EntryLock), p.Amount, saga.Reference{
				ID:          p.OrderID,
				Type:        "ORDER",
				Description: "Funds locked for order: " + p.OrderID,
			}, now)
			var short *saga.InsufficientFundsError
			if errors.As(err, &short) {
				return f.reject(ctx, env, p.OrderID, short.Error(), now)
			}
			if err != nil {
				return err
			}

			if err := f.wallets.save(ctx, wallet, next); err != nil {
				return err
			}
			err = f.locks.create(ctx, lockID, saga.FundsLock{
				ID:       lockID,
				OrderID:  p.OrderID,
				UserID:   p.UserID,
				WalletID: next.ID,
				Price:    p.Price,
				Amount:   p.Amount,
				Status:   saga.FundsLockActive,
				Reason:   "Order placed",
				LockedAt: now,
			})
			if err != nil {
				return err
			}

			if err := f.unit.emit(ctx, saga.AggregateFundsLock, lockID, env.CorrelationID, &events.FundsLocked{
				OrderID:      p.OrderID,
				LockID:       lockID,
				UserID:       p.UserID,
				WalletID:     next.ID,
				LockedAmount: p.Amount,
				Symbol:       p.Symbol,
				Side:         p.Side,
				OrderType:    p.OrderType,
				Quantity:     p.Quantity,
				Price:        p.Price,
				LockedAt:     now,
			}); err != nil {
				return err
			}
			return f.unit.emit(ctx, saga.AggregateWallet, next.ID, env.CorrelationID, entry)
		},
	)
}

func (f *Funds) reject(ctx context.Context, env events.Envelope, orderID, reason string, now time.Time) error {
	f.unit.logger.Info("Rejecting order", zap.String("order_id", orderID), zap.String("reason", reason))
	return f.unit.emit(ctx, saga.AggregateOrder, orderID, env.CorrelationID, &events.OrderRejected{
		OrderID:         orderID,
		RejectionReason: reason,
		RejectedBy:      FundsConsumer,
		RejectedAt:      now,
	})
}

// onLockEvent settles or releases the lock of the event's order. An order
// that never obtained a lock has nothing to release.
func (f *Funds) onLockEvent(ctx context.Context, env events.Envelope) error {
	orderID, err := orderIDOf(env.Payload)
	if err != nil {
		return err
	}

	var (
		lock   *row[saga.FundsLock]
		wallet *row[saga.Wallet]
	)
	return f.unit.Process(ctx, env.CorrelationID, env.Kind,
		func(ctx context.Context) error {
			var err error
			lock, err = f.locks.lock(ctx, LockID(orderID))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			wallet, err = f.wallets.lock(ctx, lock.value.WalletID)
			return err
		},
		func(ctx context.Context) error {
			if lock == nil {
				f.unit.logger.Debug("No funds lock for order", zap.String("order_id", orderID), zap.String("event_type", string(env.Kind)))
				return nil
			}
			before := lock.value
			out, err := f.locks.apply(ctx, lock, env.Payload, env.CorrelationID)
			if err != nil || out.Skipped {
				return err
			}
			return f.moveFunds(ctx, env, wallet, before, out.Aggregate)
		},
	)
}

// moveFunds turns the growth of a lock's consumed and released amounts into
// wallet movements.
func (f *Funds) moveFunds(ctx context.Context, env events.Envelope, wallet *row[saga.Wallet], before, after saga.FundsLock) error {
	now := f.unit.now()
	ref := saga.Reference{ID: after.OrderID, Type: "ORDER"}
	w := wallet.value
	var entries []events.Payload

	if settled := after.ConsumedAmount.Sub(before.ConsumedAmount); settled.IsPositive() {
		ref.Description = "Trade settlement for order: " + after.OrderID
		var entry *events.LedgerEntryRecorded
		w, entry = w.Settle(deterministicID(env.CorrelationID, saga.EntryTradeSettlement), settled, ref, now)
		entries = append(entries, entry)
	}
	if released := after.ReleasedAmount.Sub(before.ReleasedAmount); released.IsPositive() {
		ref.Description = "Funds released: " + after.Reason
		var entry *events.LedgerEntryRecorded
		w, entry = w.Release(deterministicID(env.CorrelationID, saga.EntryUnlock), released, ref, now)
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := f.wallets.save(ctx, wallet, w); err != nil {
		return err
	}
	f.unit.logger.Info("Funds moved",
		zap.String("order_id", after.OrderID),
		zap.String("lock_status", string(after.Status)),
		zap.String("available", w.Available.String()),
		zap.String("locked", w.Locked.String()),
	)
	return f.unit.emit(ctx, saga.AggregateWallet, w.ID, env.CorrelationID, entries...)
}

func unexpected(env events.Envelope) error {
	return &events.ValidationError{Kind: env.Kind, Reason: fmt.Sprintf("unexpected payload type %T", env.Payload)}
}
