// Package kafka publishes delivery failure notices for downstream consumers
// (alerting, CRM sync) that want to know a contact message is pending.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeliveryFailedMessage is the JSON value published per failed delivery.
type DeliveryFailedMessage struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Subject    string    `json:"subject"`
	Message    string    `json:"message"`
	ErrorCode  string    `json:"error_code"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

const TypeDeliveryFailed = "contact.delivery_failed"

// MessageWriter is the subset of kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes delivery failure notices to Kafka.
type Producer struct {
	writer MessageWriter
	logger *slog.Logger
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// DefaultProducerConfig returns sensible defaults for production.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        TypeDeliveryFailed,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewProducer creates a synchronous producer. Notices are rare, so each write
// waits for all replicas.
func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
	return NewProducerWithWriter(writer, logger)
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(writer MessageWriter, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: writer, logger: logger}
}

// Publish sends one notice keyed by its id so retries land on one partition.
func (p *Producer) Publish(ctx context.Context, msg DeliveryFailedMessage) error {
	if msg.Type == "" {
		msg.Type = TypeDeliveryFailed
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal delivery failed message: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	p.logger.Debug("published delivery failed notice", "id", msg.ID)
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
