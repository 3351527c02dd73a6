package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bookly/internal/common"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// BillingExchange is the topic exchange billing events are published to.
	BillingExchange = "bookly.billing.events"

	EventSubscriberActivated = "billing.subscriber.activated"
	EventSubscriberSuspended = "billing.subscriber.suspended"
)

// BillingEvent is the message body published for subscriber transitions.
type BillingEvent struct {
	Type              string     `json:"type"`
	SubscriberID      uuid.UUID  `json:"subscriber_id"`
	Reference         string     `json:"reference,omitempty"`
	PlanID            string     `json:"plan_id,omitempty"`
	SubscriptionState string     `json:"subscription_state"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// EventPublisher fans billing events out to downstream consumers (email,
// analytics). Publishing is best-effort; callers log and move on.
type EventPublisher interface {
	Publish(ctx context.Context, event BillingEvent) error
	Close() error
}

// RabbitMQPublisher publishes billing events to a durable topic exchange.
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *log.Logger
	mu      sync.Mutex
}

func NewRabbitMQPublisher(url string, logger *log.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = common.DiscardLogger()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(BillingExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Infof("RabbitMQ publisher connected to exchange %s", BillingExchange)
	return &RabbitMQPublisher{conn: conn, channel: ch, logger: logger}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event BillingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode billing event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, BillingExchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		MessageId:    uuid.NewString(),
		Body:         body,
	})
	if err != nil {
		p.logger.Errorf("failed to publish %s: %v", event.Type, err)
		return err
	}

	p.logger.Debugf("published %s for subscriber %s", event.Type, event.SubscriberID)
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warnf("error closing channel: %v", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher only logs. Used when RABBITMQ_URL is unset.
type NoopPublisher struct {
	logger *log.Logger
}

func NewNoopPublisher(logger *log.Logger) *NoopPublisher {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(ctx context.Context, event BillingEvent) error {
	p.logger.Debugf("noop publish %s for subscriber %s", event.Type, event.SubscriberID)
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}
