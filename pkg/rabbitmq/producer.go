/**
 * @description
 * This package provides the RabbitMQ plumbing for the payment-service: a
 * producer for publishing domain events (payment settled/failed, vault fee
 * captured, agent suspended) and a consumer for settlement status updates
 * from the chain relay.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/agentrail/payment-service/internal/domain"
)

// EventsExchange is the topic exchange all domain events flow through.
const EventsExchange = "agentrail.events"

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishPaymentSettled(ctx context.Context, event domain.PaymentSettledEvent) error
	PublishPaymentFailed(ctx context.Context, event domain.PaymentFailedEvent) error
	PublishFeeCaptured(ctx context.Context, event domain.FeeCapturedEvent) error
	PublishAgentSuspended(ctx context.Context, event domain.AgentSuspendedEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// FallbackProducer is a no-op publisher used when RabbitMQ is unavailable at
// startup. Payments still process; events are dropped with a warning.
type FallbackProducer struct{}

func (p *FallbackProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *FallbackProducer) PublishPaymentSettled(ctx context.Context, event domain.PaymentSettledEvent) error {
	return p.Publish(ctx, EventsExchange, "payment.settled", event)
}

func (p *FallbackProducer) PublishPaymentFailed(ctx context.Context, event domain.PaymentFailedEvent) error {
	return p.Publish(ctx, EventsExchange, "payment.failed", event)
}

func (p *FallbackProducer) PublishFeeCaptured(ctx context.Context, event domain.FeeCapturedEvent) error {
	return p.Publish(ctx, EventsExchange, "vault.fee.captured", event)
}

func (p *FallbackProducer) PublishAgentSuspended(ctx context.Context, event domain.AgentSuspendedEvent) error {
	return p.Publish(ctx, EventsExchange, "agent.suspended", event)
}

func (p *FallbackProducer) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang indefinitely.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key. On a
// channel-level failure it reopens the channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return err
		}
		p.channel = ch
		if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	}
	return nil
}

// PublishPaymentSettled publishes a settled-payment event.
func (p *EventProducer) PublishPaymentSettled(ctx context.Context, event domain.PaymentSettledEvent) error {
	return p.Publish(ctx, EventsExchange, "payment.settled", event)
}

// PublishPaymentFailed publishes a failed-payment event.
func (p *EventProducer) PublishPaymentFailed(ctx context.Context, event domain.PaymentFailedEvent) error {
	return p.Publish(ctx, EventsExchange, "payment.failed", event)
}

// PublishFeeCaptured publishes a vault fee-capture event.
func (p *EventProducer) PublishFeeCaptured(ctx context.Context, event domain.FeeCapturedEvent) error {
	return p.Publish(ctx, EventsExchange, "vault.fee.captured", event)
}

// PublishAgentSuspended publishes an agent-suspension event.
func (p *EventProducer) PublishAgentSuspended(ctx context.Context, event domain.AgentSuspendedEvent) error {
	return p.Publish(ctx, EventsExchange, "agent.suspended", event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
