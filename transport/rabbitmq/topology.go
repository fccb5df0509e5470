// Package rabbitmq carries sagaflow events over RabbitMQ: topology
// declaration, a publisher with broker confirms and a queue consumer that
// settles each delivery according to the router's decision.
package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/router"
)

// TopologyChannel is the part of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueSpec is one consumer queue and the routing keys it listens to.
type QueueSpec struct {
	Name     string
	Bindings []events.Destination
	// RetryDelays gets one delay queue per entry.
	RetryDelays []time.Duration
}

// WithRetryDelays returns q with a delay queue for each of delays,
// normally the consuming router's RetryDelays.
func (q QueueSpec) WithRetryDelays(delays ...time.Duration) QueueSpec {
	q.RetryDelays = delays
	return q
}

// QueueFor binds queue to the routes of kinds.
func QueueFor(queue string, kinds ...events.Kind) QueueSpec {
	q := QueueSpec{Name: queue}
	for _, k := range kinds {
		if dest, ok := events.RouteFor(k); ok {
			q.Bindings = append(q.Bindings, dest)
		}
	}
	return q
}

// DeclareTopology declares every event exchange, the dead-letter exchange,
// and for each queue its delay and dead-letter companions. Delay queues have
// no consumer: messages wait out the queue TTL and are dead-lettered back to
// the main queue.
func DeclareTopology(ch TopologyChannel, queues ...QueueSpec) error {
	for _, exchange := range events.Exchanges() {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	if err := ch.ExchangeDeclare(events.ExchangeDeadLetter, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", events.ExchangeDeadLetter, err)
	}

	for _, q := range queues {
		if err := declareQueue(ch, q); err != nil {
			return err
		}
	}
	return nil
}

func declareQueue(ch TopologyChannel, q QueueSpec) error {
	if _, err := ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
	}
	for _, b := range q.Bindings {
		if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", q.Name, b, err)
		}
	}

	for _, delay := range q.RetryDelays {
		retry := router.RetryQueue(q.Name, delay)
		_, err := ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Name,
		})
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", retry, err)
		}
	}

	dlq := router.DeadLetterQueue(q.Name)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, dlq, events.ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s: %w", dlq, err)
	}
	return nil
}
