package events

const (
	ExchangeUser       = "user.exchange"
	ExchangeOrder      = "order.exchange"
	ExchangeFunds      = "funds.exchange"
	ExchangeTrade      = "trade.exchange"
	ExchangePayment    = "payment.exchange"
	ExchangeScheduler  = "scheduler.exchange"
	ExchangeDeadLetter = "dlq.exchange"
)

// Destination addresses a message on the channel.
type Destination struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routingKey"`
}

func (d Destination) String() string {
	return d.Exchange + "/" + d.RoutingKey
}

var routes = map[Kind]Destination{
	KindUserCreated:            {ExchangeUser, "user.created"},
	KindOrderValidated:         {ExchangeOrder, "order.validated"},
	KindOrderCancelRequested:   {ExchangeOrder, "order.cancel-requested"},
	KindOrderCancelled:         {ExchangeOrder, "order.cancelled"},
	KindOrderRejected:          {ExchangeOrder, "order.rejected"},
	KindOrderExpired:           {ExchangeOrder, "order.expired"},
	KindFundsLocked:            {ExchangeFunds, "funds.locked"},
	KindLedgerEntryRecorded:    {ExchangeFunds, "ledger.entry-recorded"},
	KindTradePlaced:            {ExchangeTrade, "trade.placed"},
	KindExecutionReported:      {ExchangeTrade, "trade.execution-reported"},
	KindExecutionFailed:        {ExchangeTrade, "trade.execution-failed"},
	KindTradeExecuted:          {ExchangeTrade, "trade.executed"},
	KindTradeFailed:            {ExchangeTrade, "trade.failed"},
	KindTradeCloseRequested:    {ExchangeTrade, "trade.close-requested"},
	KindTradeClosed:            {ExchangeTrade, "trade.closed"},
	KindPaymentCreated:         {ExchangePayment, "payment.created"},
	KindPaymentConfirmed:       {ExchangePayment, "payment.confirmed"},
	KindPaymentSucceeded:       {ExchangePayment, "payment.succeeded"},
	KindPaymentFailed:          {ExchangePayment, "payment.failed"},
	KindPaymentExpired:         {ExchangePayment, "payment.expired"},
	KindOrderExpiryTriggered:   {ExchangeScheduler, "scheduler.order-expiry"},
	KindPaymentExpiryTriggered: {ExchangeScheduler, "scheduler.payment-expiry"},
}

// RouteFor returns where events of the given kind are published. Kinds that
// only exist inside one participant (TradeValidated) have no route.
func RouteFor(kind Kind) (Destination, bool) {
	d, ok := routes[kind]
	return d, ok
}

// Exchanges lists every exchange referenced by a route.
func Exchanges() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range routes {
		if _, ok := seen[d.Exchange]; ok {
			continue
		}
		seen[d.Exchange] = struct{}{}
		out = append(out, d.Exchange)
	}
	return out
}

// Envelope is a decoded inbound event together with its delivery metadata.
type Envelope struct {
	CorrelationID string
	CausationID   string
	Kind          Kind
	AggregateType string
	AggregateID   string
	Payload       Payload
}
