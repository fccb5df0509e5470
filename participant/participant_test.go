package participant

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/idempotency"
	"github.com/overtonx/sagaflow/router"
	"github.com/overtonx/sagaflow/storage"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

var dec = decimal.RequireFromString

// txManager hands out transactions backed by sqlmock. The in-memory stores
// below ignore the sql transaction; it only has to exist in ctx.
func txManager(t *testing.T) trm.Manager {
	t.Helper()
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlMock.MatchExpectationsInOrder(false)
	for i := 0; i < 256; i++ {
		sqlMock.ExpectBegin()
		sqlMock.ExpectCommit()
		sqlMock.ExpectRollback()
	}
	return manager.Must(trmsql.NewDefaultFactory(db))
}

type memAggregates struct {
	mu   sync.Mutex
	rows map[[2]string]storage.AggregateRecord
}

func newMemAggregates() *memAggregates {
	return &memAggregates{rows: make(map[[2]string]storage.AggregateRecord)}
}

func (s *memAggregates) LockForUpdate(ctx context.Context, aggregateType, id string) (storage.AggregateRecord, error) {
	return s.Get(ctx, aggregateType, id)
}

func (s *memAggregates) Get(_ context.Context, aggregateType, id string) (storage.AggregateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[[2]string{aggregateType, id}]
	if !ok {
		return storage.AggregateRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *memAggregates) Create(_ context.Context, record storage.AggregateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{record.Type, record.ID}
	if _, ok := s.rows[key]; ok {
		return storage.ErrAlreadyExists
	}
	s.rows[key] = record
	return nil
}

func (s *memAggregates) Update(_ context.Context, record storage.AggregateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{record.Type, record.ID}
	cur, ok := s.rows[key]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != record.Version {
		return storage.ErrVersionConflict
	}
	record.Version++
	s.rows[key] = record
	return nil
}

func (s *memAggregates) ListExpiring(_ context.Context, aggregateType string, statuses []string, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var ids []string
	for key, rec := range s.rows {
		if key[0] != aggregateType || !want[rec.Status] || rec.ExpiresAt == nil || rec.ExpiresAt.After(before) {
			continue
		}
		ids = append(ids, rec.ID)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// memOutbox only supports what the Recorder uses.
type memOutbox struct {
	storage.OutboxStore

	mu   sync.Mutex
	rows []storage.OutboxRecord
}

func (o *memOutbox) Insert(_ context.Context, record *storage.OutboxRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	record.ID = int64(len(o.rows) + 1)
	o.rows = append(o.rows, *record)
	return nil
}

func (o *memOutbox) since(n int) []storage.OutboxRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]storage.OutboxRecord(nil), o.rows[n:]...)
}

func (o *memOutbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rows)
}

type memProcessed struct {
	mu   sync.Mutex
	rows map[[2]string]storage.ProcessedEvent
}

func (s *memProcessed) Exists(_ context.Context, correlationID, consumer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[[2]string{correlationID, consumer}]
	return ok, nil
}

func (s *memProcessed) Insert(_ context.Context, event storage.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{event.CorrelationID, event.ConsumerName}
	if _, ok := s.rows[key]; ok {
		return storage.ErrAlreadyProcessed
	}
	s.rows[key] = event
	return nil
}

// subscriber is one participant behind its own router.
type subscriber struct {
	name   string
	kinds  map[events.Kind]bool
	router *router.Router
}

// harness wires every participant onto shared in-memory stores and plays the
// broker: captured outbox rows are fanned out to each subscriber of the kind.
type harness struct {
	t         *testing.T
	clock     *clockwork.FakeClock
	store     *memAggregates
	outbox    *memOutbox
	processed *memProcessed
	logs      *observer.ObservedLogs

	orders   *Orders
	funds    *Funds
	trades   *Trades
	payments *Payments

	subscribers []subscriber
	decisions   []router.Decision
	delivered   int
}

type participant interface {
	Kinds() []events.Kind
	Register(reg *router.Registry)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	h := &harness{
		t:         t,
		clock:     clockwork.NewFakeClockAt(t0),
		store:     newMemAggregates(),
		outbox:    &memOutbox{},
		processed: &memProcessed{rows: make(map[[2]string]storage.ProcessedEvent)},
		logs:      logs,
	}
	trManager := txManager(t)
	recorder := sagaflow.NewRecorder(h.outbox, sagaflow.WithRecorderClock(h.clock))
	unit := func(consumer string) *Unit {
		guard := idempotency.NewGuard(h.processed, consumer, idempotency.WithClock(h.clock))
		return NewUnit(trManager, h.store, recorder, guard, WithClock(h.clock), WithLogger(logger))
	}

	h.orders = NewOrders(unit(OrderConsumer))
	h.funds = NewFunds(unit(FundsConsumer))
	h.trades = NewTrades(unit(TradeConsumer))
	h.payments = NewPayments(unit(PaymentConsumer))

	for name, p := range map[string]participant{
		OrderConsumer:   h.orders,
		FundsConsumer:   h.funds,
		TradeConsumer:   h.trades,
		PaymentConsumer: h.payments,
	} {
		reg := router.NewRegistry()
		p.Register(reg)
		sub := subscriber{name: name, kinds: make(map[events.Kind]bool), router: reg.Build(router.WithLogger(logger))}
		for _, k := range p.Kinds() {
			sub.kinds[k] = true
		}
		h.subscribers = append(h.subscribers, sub)
	}
	sort.Slice(h.subscribers, func(i, j int) bool { return h.subscribers[i].name < h.subscribers[j].name })
	return h
}

func delivery(rec storage.OutboxRecord) router.Delivery {
	headers := map[string]string{}
	_ = json.Unmarshal(rec.Headers, &headers)
	headers[embedded.HeaderAggregateType] = rec.AggregateType
	headers[embedded.HeaderAggregateID] = rec.AggregateID
	return router.Delivery{
		MessageID:   rec.MessageID,
		Kind:        events.Kind(rec.EventType),
		ContentType: rec.ContentType,
		Body:        rec.Payload,
		Headers:     headers,
	}
}

// pump delivers every captured row not yet delivered, including the rows
// those deliveries capture, until the outbox is quiet.
func (h *harness) pump() {
	h.t.Helper()
	for h.delivered < h.outbox.len() {
		rows := h.outbox.since(h.delivered)
		h.delivered += len(rows)
		for _, rec := range rows {
			h.deliver(delivery(rec))
		}
	}
}

// deliver routes d to every subscriber of its kind.
func (h *harness) deliver(d router.Delivery) {
	h.t.Helper()
	for _, sub := range h.subscribers {
		if !sub.kinds[d.Kind] {
			continue
		}
		d.Queue = sub.name
		h.decisions = append(h.decisions, sub.router.Route(context.Background(), d))
	}
}

// inject publishes an external event, such as a venue report or a scheduler
// tick, and pumps the saga.
func (h *harness) inject(id string, p events.Payload) {
	h.t.Helper()
	body, err := events.JSONCodec{}.Marshal(p)
	require.NoError(h.t, err)
	h.deliver(router.Delivery{
		MessageID:   id,
		Kind:        p.Kind(),
		ContentType: events.ContentTypeJSON,
		Body:        body,
		Headers:     map[string]string{},
	})
	h.pump()
}

// replay delivers an already captured row again.
func (h *harness) replay(kind events.Kind) {
	h.t.Helper()
	for _, rec := range h.outbox.since(0) {
		if rec.EventType == string(kind) {
			h.deliver(delivery(rec))
			return
		}
	}
	h.t.Fatalf("no captured %s", kind)
}

func (h *harness) captured(kind events.Kind) []storage.OutboxRecord {
	var out []storage.OutboxRecord
	for _, rec := range h.outbox.since(0) {
		if rec.EventType == string(kind) {
			out = append(out, rec)
		}
	}
	return out
}

func (h *harness) lastDecision() router.Decision {
	h.t.Helper()
	require.NotEmpty(h.t, h.decisions)
	return h.decisions[len(h.decisions)-1]
}

// fund opens a wallet for userID and deposits amount into it.
func (h *harness) fund(userID, amount string) {
	h.t.Helper()
	h.inject("user-"+userID, &events.UserCreated{UserID: userID, Email: userID + "@example.com", CreatedAt: t0})

	p, err := h.payments.Create(context.Background(), CreatePayment{UserID: userID, Amount: dec(amount), Currency: "USD"})
	require.NoError(h.t, err)
	h.pump()
	h.inject("gw-"+p.ID, &events.PaymentConfirmed{PaymentID: p.ID, Success: true, ConfirmedAt: t0})
}
