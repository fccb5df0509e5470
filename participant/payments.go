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

const PaymentConsumer = "payment-service"

type CreatePayment struct {
	UserID   string          `validate:"required"`
	Amount   decimal.Decimal `validate:"dpos"`
	Currency string          `validate:"required,len=3"`
}

// Payments owns the Payment aggregate: deposits awaiting the gateway.
type Payments struct {
	unit     *Unit
	payments repo[saga.Payment]
}

func NewPayments(unit *Unit) *Payments {
	return &Payments{
		unit: unit,
		payments: newRepo(unit, saga.PaymentMachine, func(p saga.Payment) *time.Time {
			return &p.ExpiresAt
		}),
	}
}

// Create opens a payment that expires after saga.PaymentTTL.
func (p *Payments) Create(ctx context.Context, cmd CreatePayment) (saga.Payment, error) {
	if err := events.Validator().Struct(cmd); err != nil {
		return saga.Payment{}, &events.ValidationError{Kind: events.KindPaymentCreated, Reason: "invalid payment", Err: err}
	}

	now := p.unit.now()
	payment := saga.Payment{
		ID:        uuid.NewString(),
		UserID:    cmd.UserID,
		Amount:    cmd.Amount,
		Currency:  cmd.Currency,
		Status:    saga.PaymentCreated,
		ExpiresAt: now.Add(saga.PaymentTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := p.unit.Command(ctx, func(ctx context.Context) error {
		if err := p.payments.create(ctx, payment.ID, payment); err != nil {
			return err
		}
		return p.unit.emit(ctx, saga.AggregatePayment, payment.ID, "", payment.Created())
	})
	if err != nil {
		return saga.Payment{}, fmt.Errorf("failed to create payment: %w", err)
	}
	return payment, nil
}

func (p *Payments) Get(ctx context.Context, paymentID string) (saga.Payment, error) {
	rw, err := p.payments.get(ctx, paymentID)
	if err != nil {
		return saga.Payment{}, err
	}
	return rw.value, nil
}

func (p *Payments) Kinds() []events.Kind {
	return []events.Kind{events.KindPaymentConfirmed, events.KindPaymentExpiryTriggered}
}

func (p *Payments) Register(reg *router.Registry) {
	reg.RegisterFunc(events.KindPaymentConfirmed, p.onConfirmed)
	reg.RegisterFunc(events.KindPaymentExpiryTriggered, p.onExpiry)
}

func (p *Payments) onConfirmed(ctx context.Context, env events.Envelope) error {
	c, ok := env.Payload.(*events.PaymentConfirmed)
	if !ok {
		return unexpected(env)
	}
	return p.payments.handle(ctx, env, c.PaymentID, nil)
}

func (p *Payments) onExpiry(ctx context.Context, env events.Envelope) error {
	trig, ok := env.Payload.(*events.PaymentExpiryTriggered)
	if !ok {
		return unexpected(env)
	}
	return p.payments.sweep(ctx, env, trig.TriggeredAt)
}
