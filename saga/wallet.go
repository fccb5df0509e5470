package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/events"
)

const AggregateWallet = "Wallet"

const WalletActive = "ACTIVE"

const (
	EntryDeposit         = "DEPOSIT"
	EntryLock            = "LOCK"
	EntryUnlock          = "UNLOCK"
	EntryTradeSettlement = "TRADE_SETTLEMENT"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// InsufficientFundsError carries the amounts of a refused reservation.
type InsufficientFundsError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("Insufficient funds: requested %s, available %s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Wallet holds a user's cash. Ledger entries report the available balance
// before and after each movement.
type Wallet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Reference ties a ledger entry to the business object that caused it.
type Reference struct {
	ID          string
	Type        string
	Description string
}

func (w Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

// Credit adds amount to the available balance.
func (w Wallet) Credit(entryID string, amount decimal.Decimal, ref Reference, now time.Time) (Wallet, *events.LedgerEntryRecorded) {
	before := w.Available
	w.Available = w.Available.Add(amount)
	w.UpdatedAt = now
	return w, w.entry(entryID, EntryDeposit, amount, before, ref, now)
}

// Reserve moves amount from available to locked. It fails with an
// *InsufficientFundsError when the available balance is short.
func (w Wallet) Reserve(entryID string, amount decimal.Decimal, ref Reference, now time.Time) (Wallet, *events.LedgerEntryRecorded, error) {
	if w.Available.LessThan(amount) {
		return w, nil, &InsufficientFundsError{Requested: amount, Available: w.Available}
	}
	before := w.Available
	w.Available = w.Available.Sub(amount)
	w.Locked = w.Locked.Add(amount)
	w.UpdatedAt = now
	return w, w.entry(entryID, EntryLock, amount, before, ref, now), nil
}

// Release moves amount from locked back to available.
func (w Wallet) Release(entryID string, amount decimal.Decimal, ref Reference, now time.Time) (Wallet, *events.LedgerEntryRecorded) {
	before := w.Available
	w.Locked = w.Locked.Sub(amount)
	w.Available = w.Available.Add(amount)
	w.UpdatedAt = now
	return w, w.entry(entryID, EntryUnlock, amount, before, ref, now)
}

// Settle removes amount from the locked balance for good.
func (w Wallet) Settle(entryID string, amount decimal.Decimal, ref Reference, now time.Time) (Wallet, *events.LedgerEntryRecorded) {
	before := w.Available
	w.Locked = w.Locked.Sub(amount)
	w.UpdatedAt = now
	return w, w.entry(entryID, EntryTradeSettlement, amount, before, ref, now)
}

func (w Wallet) entry(id, entryType string, amount, before decimal.Decimal, ref Reference, now time.Time) *events.LedgerEntryRecorded {
	return &events.LedgerEntryRecorded{
		ID:            id,
		WalletID:      w.ID,
		EntryType:     entryType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.Available,
		ReferenceID:   ref.ID,
		ReferenceType: ref.Type,
		Description:   ref.Description,
		CreatedAt:     now,
	}
}
