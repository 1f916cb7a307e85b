package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher publishes events to a durable topic exchange using the event
// type as routing key. A single channel is shared and guarded by a mutex
// because amqp channels are not safe for concurrent publishing.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(url, exchange string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, log: log.Named("publisher")}, nil
}

// Publish sends ev as a persistent JSON message. Errors are logged and
// returned so callers can ignore them without interrupting the main flow.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			p.log.Warn("reopen channel failed", zap.Error(err))
			return err
		}
		p.ch = ch
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg); err != nil {
		p.log.Warn("publish failed", zap.String("type", ev.Type), zap.Uint64("booking_id", ev.BookingID), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogPublisher writes events to the log instead of a broker. It is used
// when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("notify")}
}

// Publish logs ev at info level.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("notification", eventFields(ev)...)
	return nil
}

// Deliver lets LogPublisher act as the relay sink as well.
func (p *LogPublisher) Deliver(ctx context.Context, ev Event) error { return p.Publish(ctx, ev) }

func eventFields(ev Event) []zap.Field {
	return []zap.Field{
		zap.String("event_id", ev.EventID),
		zap.String("type", ev.Type),
		zap.Uint64("user_id", ev.UserID),
		zap.Uint64("booking_id", ev.BookingID),
		zap.String("status", ev.Status),
		zap.String("message", ev.Message),
	}
}
