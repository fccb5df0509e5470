package saga

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/overtonx/sagaflow/events"
)

const AggregatePayment = "Payment"

type PaymentStatus string

const (
	PaymentCreated PaymentStatus = "CREATED"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
	PaymentExpired PaymentStatus = "EXPIRED"
)

// PaymentTTL bounds how long a payment waits for the gateway.
const PaymentTTL = 15 * time.Minute

type Payment struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        PaymentStatus   `json:"status"`
	FailureReason string          `json:"failureReason,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Created builds the PaymentCreated event announcing p.
func (p Payment) Created() *events.PaymentCreated {
	return &events.PaymentCreated{
		ID:        p.ID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.CreatedAt,
	}
}

var PaymentMachine = NewTable[Payment](AggregatePayment,
	func(p Payment) string { return string(p.Status) },
	string(PaymentSuccess), string(PaymentFailed), string(PaymentExpired),
).
	On(events.KindPaymentConfirmed, paymentConfirmed, string(PaymentCreated)).
	On(events.KindPaymentExpiryTriggered, paymentExpiryTriggered, string(PaymentCreated))

func paymentConfirmed(p Payment, payload events.Payload, now time.Time) (Payment, []events.Payload, error) {
	c, err := as[*events.PaymentConfirmed](payload)
	if err != nil {
		return p, nil, err
	}
	p.UpdatedAt = now
	if c.Success {
		p.Status = PaymentSuccess
		return p, []events.Payload{&events.PaymentSucceeded{
			PaymentID:   p.ID,
			UserID:      p.UserID,
			Amount:      p.Amount,
			SucceededAt: c.ConfirmedAt,
		}}, nil
	}
	p.Status = PaymentFailed
	p.FailureReason = c.Reason
	return p, []events.Payload{&events.PaymentFailed{
		PaymentID: p.ID,
		UserID:    p.UserID,
		Reason:    c.Reason,
		FailedAt:  c.ConfirmedAt,
	}}, nil
}

func paymentExpiryTriggered(p Payment, payload events.Payload, now time.Time) (Payment, []events.Payload, error) {
	trig, err := as[*events.PaymentExpiryTriggered](payload)
	if err != nil {
		return p, nil, err
	}
	if !trig.TriggeredAt.After(p.ExpiresAt) {
		return p, nil, nil
	}
	p.Status = PaymentExpired
	p.UpdatedAt = now
	return p, []events.Payload{&events.PaymentExpired{
		PaymentID: p.ID,
		UserID:    p.UserID,
		ExpiredAt: trig.TriggeredAt,
	}}, nil
}
