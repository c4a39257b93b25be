// README: Notification transports: structured log, Kafka and RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// LogSender writes notifications to the structured log.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification", "event", n.Event, "recipient", n.Recipient,
		"recipient_kind", n.RecipientKind, "ride_id", n.RideID)
	return nil
}

func (s *LogSender) Close() error { return nil }

// KafkaSender publishes notifications keyed by recipient.
type KafkaSender struct {
	writer *kafka.Writer
}

func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return &KafkaSender{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

func (s *KafkaSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(n.Recipient), Value: body})
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

// AMQPSender publishes notifications to a topic exchange with routing key
// "<recipient_kind>.<event>".
type AMQPSender struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPSender(url, exchange string) (*AMQPSender, error) {
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
	return &AMQPSender{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch.IsClosed() {
		return amqp.ErrClosed
	}
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(n), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.At,
		Body:         body,
	})
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.ch.IsClosed() {
		if err := s.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}

func RoutingKey(n Notification) string {
	return n.RecipientKind + "." + n.Event
}
