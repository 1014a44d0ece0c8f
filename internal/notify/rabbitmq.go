package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Channel is the subset of *amqp.Channel the publisher needs
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel on a fresh or existing connection
type Dialer func() (Channel, error)

// Publisher fans tracking notifications out to every bound queue. A
// channel is opened lazily and reopened after a publish failure.
type Publisher struct {
	exchange string
	dial     Dialer
	logger   *zap.Logger

	mu   sync.Mutex
	ch   Channel
	conn *amqp.Connection
}

// NewPublisher creates a new RabbitMQ tracking publisher
func NewPublisher(url, exchange string) *Publisher {
	p := &Publisher{exchange: exchange, logger: util.ComponentLogger("tracking")}
	p.dial = func() (Channel, error) {
		if p.conn == nil || p.conn.IsClosed() {
			conn, err := amqp.Dial(url)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			p.conn = conn
		}
		ch, err := p.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		return ch, nil
	}
	return p
}

// NewPublisherWithDialer creates a publisher over a custom channel source
func NewPublisherWithDialer(exchange string, dial Dialer) *Publisher {
	return &Publisher{exchange: exchange, dial: dial, logger: util.ComponentLogger("tracking")}
}

func (p *Publisher) channel() (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	p.ch = ch
	p.logger.Info("Tracking exchange ready", zap.String("exchange", p.exchange))
	return ch, nil
}

// PublishTracking sends the latest tracking state of an order
func (p *Publisher) PublishTracking(ctx context.Context, msg *models.TrackingNotification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		ch.Close()
		p.ch = nil
		p.logger.Warn("Dropping tracking channel after publish failure", zap.Int64("order_id", msg.OrderID))
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}
