/**
 * @description
 * This file implements the settlement status relay: the consuming side of
 * the event plumbing. The relay owns one durable queue bound to the
 * settlement status routing keys and routes each delivery to the handler
 * registered for its key. Handlers return a Disposition instead of a bare
 * ack flag, so transient failures requeue while poison messages are
 * discarded rather than cycling forever.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */

package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition tells the relay what to do with a delivery after handling.
type Disposition int

const (
	// Ack removes the message from the queue; the event was processed or
	// is a safe duplicate.
	Ack Disposition = iota
	// Requeue redelivers the message after a transient failure.
	Requeue
	// Discard drops the message without redelivery; it can never be
	// processed (malformed body, unknown payment).
	Discard
)

// handlerTimeout bounds how long one delivery may hold the consumer loop.
const handlerTimeout = 30 * time.Second

// DeliveryHandler processes one settlement status message body.
type DeliveryHandler func(ctx context.Context, body []byte) Disposition

// SettlementRelay consumes settlement status updates from the events
// exchange and routes them by routing key.
type SettlementRelay struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	handlers map[string]DeliveryHandler
}

// NewSettlementRelay connects to RabbitMQ and prepares a relay for the
// given exchange and queue. Bind handlers, then call Start.
func NewSettlementRelay(amqpURL, exchange, queue string) (*SettlementRelay, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	// Bound the number of unacked deliveries in flight; finalization does
	// database work per message.
	if err := ch.Qos(8, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &SettlementRelay{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		handlers: make(map[string]DeliveryHandler),
	}, nil
}

// Bind registers the handler for one routing key. Must be called before
// Start; the relay is not safe for concurrent registration.
func (r *SettlementRelay) Bind(routingKey string, handler DeliveryHandler) {
	if handler == nil {
		return
	}
	r.handlers[routingKey] = handler
}

// Start declares the exchange and queue, binds every registered routing key
// and begins delivering messages to their handlers.
func (r *SettlementRelay) Start() error {
	if len(r.handlers) == 0 {
		return fmt.Errorf("settlement relay has no bound routing keys")
	}

	if err := r.ch.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := r.ch.QueueDeclare(r.queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for routingKey := range r.handlers {
		if err := r.ch.QueueBind(q.Name, routingKey, r.exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := r.ch.Consume(q.Name, q.Name+"-relay", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go r.run(deliveries)
	return nil
}

func (r *SettlementRelay) run(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		handler, ok := r.handlers[d.RoutingKey]
		if !ok {
			log.Printf("level=warn component=settlement_relay msg=\"no handler for routing key; discarding\" routing_key=%s", d.RoutingKey)
			d.Nack(false, false)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		disposition := handler(ctx, d.Body)
		cancel()

		switch disposition {
		case Requeue:
			log.Printf("level=warn component=settlement_relay msg=\"transient handler failure; requeueing\" routing_key=%s redelivered=%t",
				d.RoutingKey, d.Redelivered)
			d.Nack(false, true)
		case Discard:
			log.Printf("level=warn component=settlement_relay msg=\"unprocessable message; discarding\" routing_key=%s", d.RoutingKey)
			d.Nack(false, false)
		default:
			d.Ack(false)
		}
	}
	log.Printf("level=warn component=settlement_relay msg=\"delivery channel closed\" queue=%s", r.queue)
}

// Close gracefully closes the channel and connection.
func (r *SettlementRelay) Close() {
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
