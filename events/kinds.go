// Package events holds the wire contract shared by every participant: the
// event kinds, their payloads, routing and the codecs used on the channel.
package events

import "fmt"

// Kind names an event type on the wire.
type Kind string

const (
	KindUserCreated Kind = "UserCreated"

	KindOrderValidated       Kind = "OrderValidated"
	KindOrderCancelRequested Kind = "OrderCancelRequested"
	KindOrderCancelled       Kind = "OrderCancelled"
	KindOrderRejected        Kind = "OrderRejected"
	KindOrderExpired         Kind = "OrderExpired"
	KindOrderExpiryTriggered Kind = "OrderExpiryTriggered"

	KindFundsLocked         Kind = "FundsLocked"
	KindLedgerEntryRecorded Kind = "LedgerEntryRecorded"

	KindTradeValidated      Kind = "TradeValidated"
	KindTradePlaced         Kind = "TradePlaced"
	KindExecutionReported   Kind = "ExecutionReported"
	KindExecutionFailed     Kind = "ExecutionFailed"
	KindTradeExecuted       Kind = "TradeExecuted"
	KindTradeFailed         Kind = "TradeFailed"
	KindTradeCloseRequested Kind = "TradeCloseRequested"
	KindTradeClosed         Kind = "TradeClosed"

	KindPaymentCreated         Kind = "PaymentCreated"
	KindPaymentConfirmed       Kind = "PaymentConfirmed"
	KindPaymentSucceeded       Kind = "PaymentSucceeded"
	KindPaymentFailed          Kind = "PaymentFailed"
	KindPaymentExpired         Kind = "PaymentExpired"
	KindPaymentExpiryTriggered Kind = "PaymentExpiryTriggered"
)

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

var factories = map[Kind]func() Payload{
	KindUserCreated:            func() Payload { return &UserCreated{} },
	KindOrderValidated:         func() Payload { return &OrderValidated{} },
	KindOrderCancelRequested:   func() Payload { return &OrderCancelRequested{} },
	KindOrderCancelled:         func() Payload { return &OrderCancelled{} },
	KindOrderRejected:          func() Payload { return &OrderRejected{} },
	KindOrderExpired:           func() Payload { return &OrderExpired{} },
	KindOrderExpiryTriggered:   func() Payload { return &OrderExpiryTriggered{} },
	KindFundsLocked:            func() Payload { return &FundsLocked{} },
	KindLedgerEntryRecorded:    func() Payload { return &LedgerEntryRecorded{} },
	KindTradeValidated:         func() Payload { return &TradeValidated{} },
	KindTradePlaced:            func() Payload { return &TradePlaced{} },
	KindExecutionReported:      func() Payload { return &ExecutionReported{} },
	KindExecutionFailed:        func() Payload { return &ExecutionFailed{} },
	KindTradeExecuted:          func() Payload { return &TradeExecuted{} },
	KindTradeFailed:            func() Payload { return &TradeFailed{} },
	KindTradeCloseRequested:    func() Payload { return &TradeCloseRequested{} },
	KindTradeClosed:            func() Payload { return &TradeClosed{} },
	KindPaymentCreated:         func() Payload { return &PaymentCreated{} },
	KindPaymentConfirmed:       func() Payload { return &PaymentConfirmed{} },
	KindPaymentSucceeded:       func() Payload { return &PaymentSucceeded{} },
	KindPaymentFailed:          func() Payload { return &PaymentFailed{} },
	KindPaymentExpired:         func() Payload { return &PaymentExpired{} },
	KindPaymentExpiryTriggered: func() Payload { return &PaymentExpiryTriggered{} },
}

// New returns an empty payload for the given kind.
func New(kind Kind) (Payload, error) {
	factory, ok := factories[kind]
	if !ok {
		return nil, &ValidationError{Kind: kind, Reason: fmt.Sprintf("unknown event kind %q", kind)}
	}
	return factory(), nil
}

// Known reports whether kind is part of the contract.
func Known(kind Kind) bool {
	_, ok := factories[kind]
	return ok
}
