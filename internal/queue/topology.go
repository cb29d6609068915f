// ABOUTME: RabbitMQ exchange and queue declarations shared by consumer and publisher
// ABOUTME: Failed work items are dead-lettered to <exchange>_dlx and land in <queue>_failed

package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	maxPriority = 10
	messageTTL  = 3_600_000 // one hour, in milliseconds
)

// Declarer is the subset of *amqp.Channel used to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchange, queue and routing key work items travel through.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// DeadLetterExchange is where rejected work items are routed.
func (t Topology) DeadLetterExchange() string {
	return t.Exchange + "_dlx"
}

// FailedQueue collects dead-lettered work items.
func (t Topology) FailedQueue() string {
	return t.Queue + "_failed"
}

// Declare creates the exchanges, queues and bindings. It is idempotent as
// long as the arguments match what already exists on the broker.
func (t Topology) Declare(ch Declarer) error {
	for _, ex := range []string{t.Exchange, t.DeadLetterExchange()} {
		if err := ch.ExchangeDeclare(ex, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", ex, err)
		}
	}

	args := amqp.Table{
		"x-max-priority":         int32(maxPriority),
		"x-message-ttl":          int32(messageTTL),
		"x-dead-letter-exchange": t.DeadLetterExchange(),
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.Queue, err)
	}
	if _, err := ch.QueueDeclare(t.FailedQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.FailedQueue(), err)
	}

	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.FailedQueue(), t.RoutingKey, t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("binding %s: %w", t.FailedQueue(), err)
	}
	return nil
}
