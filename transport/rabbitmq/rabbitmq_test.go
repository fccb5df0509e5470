package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/router"
)

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue, key, exchange string
}

type fakeChannel struct {
	mu sync.Mutex

	exchanges map[string]string
	queues    []declaredQueue
	bindings  []binding

	confirms  chan amqp.Confirmation
	published []amqp.Publishing
	keys      []string
	nack      bool
	noConfirm bool
	closed    bool

	deliveries chan amqp.Delivery
	prefetch   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  make(map[string]string),
		deliveries: make(chan amqp.Delivery, 8),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.queues = append(f.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, binding{name, key, exchange})
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.published) + 1)
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.keys = append(f.keys, exchange+"/"+key)
	if !f.noConfirm {
		f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) setConfirm(confirm, nack bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noConfirm = !confirm
	f.nack = nack
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	f.prefetch = prefetch
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func TestDeclareTopology(t *testing.T) {
	ch := newFakeChannel()

	q := QueueFor("order.trade-events", events.KindTradeExecuted, events.KindTradeFailed).
		WithRetryDelays(time.Second, 2*time.Second)
	require.NoError(t, DeclareTopology(ch, q))

	assert.Equal(t, amqp.ExchangeTopic, ch.exchanges[events.ExchangeTrade])
	assert.Equal(t, amqp.ExchangeDirect, ch.exchanges[events.ExchangeDeadLetter])

	require.Len(t, ch.queues, 4)
	assert.Equal(t, "order.trade-events", ch.queues[0].name)
	assert.Equal(t, "order.trade-events.retry.1000", ch.queues[1].name)
	assert.Equal(t, int64(1000), ch.queues[1].args["x-message-ttl"])
	assert.Equal(t, "order.trade-events", ch.queues[1].args["x-dead-letter-routing-key"])
	assert.Equal(t, "order.trade-events.retry.2000", ch.queues[2].name)
	assert.Equal(t, int64(2000), ch.queues[2].args["x-message-ttl"])
	assert.Equal(t, "order.trade-events.dlq", ch.queues[3].name)

	assert.Contains(t, ch.bindings, binding{"order.trade-events", "trade.executed", events.ExchangeTrade})
	assert.Contains(t, ch.bindings, binding{"order.trade-events", "trade.failed", events.ExchangeTrade})
	assert.Contains(t, ch.bindings, binding{"order.trade-events.dlq", "order.trade-events.dlq", events.ExchangeDeadLetter})
}

func TestPublisher_PublishConfirmed(t *testing.T) {
	ch := newFakeChannel()
	pub, err := NewPublisher(ch)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), embedded.Message{
		ID:          "evt-1",
		EventType:   "FundsLocked",
		AggregateID: "lock-1",
		Exchange:    events.ExchangeFunds,
		RoutingKey:  "funds.locked",
		ContentType: events.ContentTypeJSON,
		Payload:     []byte(`{}`),
		Headers:     map[string]string{"traceparent": "00-abc-def-01"},
		Expiration:  1500 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "funds.exchange/funds.locked", ch.keys[0])
	assert.Equal(t, "evt-1", msg.MessageId)
	assert.Equal(t, "FundsLocked", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "1500", msg.Expiration)
	assert.Equal(t, "00-abc-def-01", msg.Headers["traceparent"])
	assert.Equal(t, "lock-1", msg.Headers[embedded.HeaderAggregateID])
}

func TestPublisher_NackIsTransient(t *testing.T) {
	ch := newFakeChannel()
	ch.nack = true
	pub, err := NewPublisher(ch)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), embedded.Message{ID: "evt-1"})

	assert.ErrorIs(t, err, ErrPublishNacked)
	assert.True(t, sagaflow.IsTransient(err))
}

func TestPublisher_ConfirmTimeout(t *testing.T) {
	ch := newFakeChannel()
	ch.noConfirm = true
	pub, err := NewPublisher(ch, WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), embedded.Message{ID: "evt-1"})
	assert.ErrorIs(t, err, ErrConfirmTimeout)
}

func TestPublisher_LateConfirmDoesNotSettleNextPublish(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	ch.noConfirm = true
	pub, err := NewPublisher(ch, WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)

	require.ErrorIs(t, pub.Publish(ctx, embedded.Message{ID: "evt-1"}), ErrConfirmTimeout)

	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
	ch.setConfirm(true, false)
	require.NoError(t, pub.Publish(ctx, embedded.Message{ID: "evt-2"}))

	ch.setConfirm(false, false)
	require.ErrorIs(t, pub.Publish(ctx, embedded.Message{ID: "evt-3"}), ErrConfirmTimeout)

	ch.confirms <- amqp.Confirmation{DeliveryTag: 3, Ack: true}
	assert.ErrorIs(t, pub.Publish(ctx, embedded.Message{ID: "evt-4"}), ErrConfirmTimeout)

	ch.setConfirm(true, true)
	assert.ErrorIs(t, pub.Publish(ctx, embedded.Message{ID: "evt-5"}), ErrPublishNacked)
	assert.Len(t, ch.published, 5)
}

func TestPublisher_Closed(t *testing.T) {
	ch := newFakeChannel()
	pub, err := NewPublisher(ch)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.True(t, ch.closed)

	err = pub.Publish(context.Background(), embedded.Message{ID: "evt-1"})
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

type fakeAcknowledger struct {
	mu     sync.Mutex
	acks   []uint64
	nacks  []uint64
	settle chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settle: make(chan struct{}, 8)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.acks = append(a.acks, tag)
	a.mu.Unlock()
	a.settle <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	a.nacks = append(a.nacks, tag)
	a.mu.Unlock()
	a.settle <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fixedRouter struct {
	decision router.Decision
	seen     chan router.Delivery
}

func (r *fixedRouter) Route(_ context.Context, d router.Delivery) router.Decision {
	r.seen <- d
	return r.decision
}

type settlerFunc func(ctx context.Context, d router.Delivery, decision router.Decision) error

func (f settlerFunc) Settle(ctx context.Context, d router.Delivery, decision router.Decision) error {
	return f(ctx, d, decision)
}

func runConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	go c.Start(context.Background())
	t.Cleanup(c.Stop)
}

func waitSettled(t *testing.T, ack *fakeAcknowledger) {
	t.Helper()
	select {
	case <-ack.settle:
	case <-time.After(time.Second):
		t.Fatal("delivery was not settled")
	}
}

func TestConsumer_AcksAfterSettle(t *testing.T) {
	ch := newFakeChannel()
	ack := newFakeAcknowledger()
	rt := &fixedRouter{decision: router.Decision{Action: router.DeadLetter}, seen: make(chan router.Delivery, 1)}
	var settled []router.Action
	c := NewConsumer(ch, "order.trade-events", rt, settlerFunc(func(_ context.Context, _ router.Delivery, d router.Decision) error {
		settled = append(settled, d.Action)
		return nil
	}), WithPrefetch(5))
	runConsumer(t, c)

	ch.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		MessageId:    "evt-1",
		Type:         "TradeExecuted",
		Headers:      amqp.Table{embedded.HeaderRetryCount: int32(2), embedded.HeaderAggregateID: "order-1"},
		Body:         []byte(`{}`),
	}
	waitSettled(t, ack)

	d := <-rt.seen
	assert.Equal(t, "order.trade-events", d.Queue)
	assert.Equal(t, events.KindTradeExecuted, d.Kind)
	assert.Equal(t, 2, d.RetryCount())
	assert.Equal(t, "order-1", d.Headers[embedded.HeaderAggregateID])

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []uint64{7}, ack.acks)
	assert.Empty(t, ack.nacks)
	assert.Equal(t, []router.Action{router.DeadLetter}, settled)
	assert.Equal(t, 5, ch.prefetch)
}

func TestConsumer_RequeuesWhenSettleFails(t *testing.T) {
	ch := newFakeChannel()
	ack := newFakeAcknowledger()
	rt := &fixedRouter{decision: router.Decision{Action: router.Retry}, seen: make(chan router.Delivery, 1)}
	c := NewConsumer(ch, "q", rt, settlerFunc(func(context.Context, router.Delivery, router.Decision) error {
		return errors.New("broker unavailable")
	}))
	runConsumer(t, c)

	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Headers: amqp.Table{embedded.HeaderEventType: "FundsLocked"}}
	waitSettled(t, ack)

	d := <-rt.seen
	assert.Equal(t, events.KindFundsLocked, d.Kind)

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []uint64{3}, ack.nacks)
	assert.Empty(t, ack.acks)
}

func TestConsumer_StopsOnClosedChannel(t *testing.T) {
	ch := newFakeChannel()
	c := NewConsumer(ch, "q", &fixedRouter{}, settlerFunc(func(context.Context, router.Delivery, router.Decision) error { return nil }))

	close(ch.deliveries)
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, "consumer:q", c.Name())
}
