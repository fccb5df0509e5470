package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserCreated struct {
	UserID    string    `json:"userId" validate:"required"`
	Email     string    `json:"email" validate:"required,email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (*UserCreated) Kind() Kind { return KindUserCreated }

// OrderValidated asks the funds owner to reserve Amount for the order.
type OrderValidated struct {
	OrderID     string          `json:"orderId" validate:"required"`
	UserID      string          `json:"userId" validate:"required"`
	Symbol      string          `json:"symbol" validate:"required"`
	Side        string          `json:"side" validate:"oneof=BUY SELL"`
	OrderType   string          `json:"orderType" validate:"oneof=MARKET LIMIT"`
	Quantity    decimal.Decimal `json:"quantity" validate:"dpos"`
	Price       decimal.Decimal `json:"price" validate:"dpos"`
	Amount      decimal.Decimal `json:"amount" validate:"dpos"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	ValidatedAt time.Time       `json:"validatedAt" validate:"required"`
}

func (*OrderValidated) Kind() Kind { return KindOrderValidated }

type OrderCancelRequested struct {
	OrderID     string    `json:"orderId" validate:"required"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt" validate:"required"`
}

func (*OrderCancelRequested) Kind() Kind { return KindOrderCancelRequested }

type OrderCancelled struct {
	OrderID     string    `json:"orderId" validate:"required"`
	UserID      string    `json:"userId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt" validate:"required"`
}

func (*OrderCancelled) Kind() Kind { return KindOrderCancelled }

type OrderRejected struct {
	OrderID         string    `json:"orderId" validate:"required"`
	RejectionReason string    `json:"rejectionReason" validate:"required"`
	RejectedBy      string    `json:"rejectedBy" validate:"required"`
	RejectedAt      time.Time `json:"rejectedAt" validate:"required"`
}

func (*OrderRejected) Kind() Kind { return KindOrderRejected }

type OrderExpired struct {
	OrderID   string    `json:"orderId" validate:"required"`
	UserID    string    `json:"userId"`
	ExpiredAt time.Time `json:"expiredAt" validate:"required"`
}

func (*OrderExpired) Kind() Kind { return KindOrderExpired }

// OrderExpiryTriggered is the scheduler signal; it names no aggregate.
type OrderExpiryTriggered struct {
	TriggeredAt time.Time `json:"triggeredAt" validate:"required"`
}

func (*OrderExpiryTriggered) Kind() Kind { return KindOrderExpiryTriggered }

type FundsLocked struct {
	OrderID      string          `json:"orderId" validate:"required"`
	LockID       string          `json:"lockId" validate:"required"`
	UserID       string          `json:"userId"`
	WalletID     string          `json:"walletId"`
	LockedAmount decimal.Decimal `json:"lockedAmount" validate:"dnonneg"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	OrderType    string          `json:"orderType"`
	Quantity     decimal.Decimal `json:"quantity" validate:"dnonneg"`
	Price        decimal.Decimal `json:"price" validate:"dnonneg"`
	LockedAt     time.Time       `json:"lockedAt" validate:"required"`
}

func (*FundsLocked) Kind() Kind { return KindFundsLocked }

type LedgerEntryRecorded struct {
	ID            string          `json:"id" validate:"required"`
	WalletID      string          `json:"walletId" validate:"required"`
	EntryType     string          `json:"entryType" validate:"oneof=DEPOSIT LOCK UNLOCK TRADE_SETTLEMENT"`
	Amount        decimal.Decimal `json:"amount" validate:"dnonneg"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	ReferenceID   string          `json:"referenceId"`
	ReferenceType string          `json:"referenceType"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"createdAt" validate:"required"`
}

func (*LedgerEntryRecorded) Kind() Kind { return KindLedgerEntryRecorded }

type TradeValidated struct {
	TradeID     string    `json:"tradeId" validate:"required"`
	ValidatedAt time.Time `json:"validatedAt" validate:"required"`
}

func (*TradeValidated) Kind() Kind { return KindTradeValidated }

type TradePlaced struct {
	TradeID  string    `json:"tradeId" validate:"required"`
	OrderID  string    `json:"orderId" validate:"required"`
	PlacedAt time.Time `json:"placedAt" validate:"required"`
}

func (*TradePlaced) Kind() Kind { return KindTradePlaced }

// ExecutionReported is sent by the execution venue for each fill.
type ExecutionReported struct {
	TradeID          string          `json:"tradeId" validate:"required"`
	OrderID          string          `json:"orderId" validate:"required"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity" validate:"dpos"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice" validate:"dpos"`
	ExecutedAt       time.Time       `json:"executedAt" validate:"required"`
}

func (*ExecutionReported) Kind() Kind { return KindExecutionReported }

type ExecutionFailed struct {
	TradeID  string    `json:"tradeId" validate:"required"`
	OrderID  string    `json:"orderId" validate:"required"`
	Reason   string    `json:"reason" validate:"required"`
	FailedAt time.Time `json:"failedAt" validate:"required"`
}

func (*ExecutionFailed) Kind() Kind { return KindExecutionFailed }

type TradeExecuted struct {
	OrderID          string          `json:"orderId" validate:"required"`
	TradeID          string          `json:"tradeId" validate:"required"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity" validate:"dpos"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice" validate:"dpos"`
	ExecutedAt       time.Time       `json:"executedAt" validate:"required"`
	IsPartialFill    bool            `json:"isPartialFill"`
}

func (*TradeExecuted) Kind() Kind { return KindTradeExecuted }

type TradeFailed struct {
	TradeID  string    `json:"tradeId" validate:"required"`
	OrderID  string    `json:"orderId" validate:"required"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt" validate:"required"`
}

func (*TradeFailed) Kind() Kind { return KindTradeFailed }

type TradeCloseRequested struct {
	TradeID     string    `json:"tradeId" validate:"required"`
	RequestedAt time.Time `json:"requestedAt" validate:"required"`
}

func (*TradeCloseRequested) Kind() Kind { return KindTradeCloseRequested }

type TradeClosed struct {
	TradeID  string    `json:"tradeId" validate:"required"`
	OrderID  string    `json:"orderId" validate:"required"`
	ClosedAt time.Time `json:"closedAt" validate:"required"`
}

func (*TradeClosed) Kind() Kind { return KindTradeClosed }

type PaymentCreated struct {
	ID        string          `json:"id" validate:"required"`
	UserID    string          `json:"userId" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"dpos"`
	Currency  string          `json:"currency" validate:"required,len=3"`
	ExpiresAt time.Time       `json:"expiresAt" validate:"required"`
	CreatedAt time.Time       `json:"createdAt" validate:"required"`
}

func (*PaymentCreated) Kind() Kind { return KindPaymentCreated }

// PaymentConfirmed is the gateway callback for a payment.
type PaymentConfirmed struct {
	PaymentID   string    `json:"paymentId" validate:"required"`
	Success     bool      `json:"success"`
	Reason      string    `json:"reason"`
	ConfirmedAt time.Time `json:"confirmedAt" validate:"required"`
}

func (*PaymentConfirmed) Kind() Kind { return KindPaymentConfirmed }

type PaymentSucceeded struct {
	PaymentID   string          `json:"paymentId" validate:"required"`
	UserID      string          `json:"userId" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"dpos"`
	SucceededAt time.Time       `json:"succeededAt" validate:"required"`
}

func (*PaymentSucceeded) Kind() Kind { return KindPaymentSucceeded }

type PaymentFailed struct {
	PaymentID string    `json:"paymentId" validate:"required"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt" validate:"required"`
}

func (*PaymentFailed) Kind() Kind { return KindPaymentFailed }

type PaymentExpired struct {
	PaymentID string    `json:"paymentId" validate:"required"`
	UserID    string    `json:"userId"`
	ExpiredAt time.Time `json:"expiredAt" validate:"required"`
}

func (*PaymentExpired) Kind() Kind { return KindPaymentExpired }

type PaymentExpiryTriggered struct {
	TriggeredAt time.Time `json:"triggeredAt" validate:"required"`
}

func (*PaymentExpiryTriggered) Kind() Kind { return KindPaymentExpiryTriggered }
