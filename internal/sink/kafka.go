// Package sink forwards engine events to downstream consumers.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes bus events to one topic. Messages are keyed by contract
// when the event carries one, so a collection's events stay ordered within
// a partition.
type Kafka struct {
	writer MessageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewKafka creates a Kafka sink writing to topic on brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaWithWriter(w, logger)
}

// NewKafkaWithWriter creates a Kafka sink on an existing writer.
func NewKafkaWithWriter(w MessageWriter, logger *slog.Logger) *Kafka {
	return &Kafka{
		writer: w,
		logger: logger.With(slog.String("component", "kafka-sink")),
		now:    time.Now,
	}
}

// Publish implements domain.EventBus.
func (k *Kafka) Publish(ctx context.Context, name string, tags map[string]string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sink: marshal %s: %w", name, err)
	}
	value, err := json.Marshal(domain.BusMessage{Name: name, Tags: tags, Data: raw, PublishedAt: k.now().UTC()})
	if err != nil {
		return fmt.Errorf("sink: marshal envelope %s: %w", name, err)
	}

	key := tags["contract"]
	if key == "" {
		key = name
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(name)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("sink: write %s: %w", name, err)
	}
	return nil
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("sink: close writer: %w", err)
	}
	return nil
}

// Multi publishes every event to each bus in turn. All buses are tried;
// failures are joined.
type Multi []domain.EventBus

// Publish implements domain.EventBus.
func (m Multi) Publish(ctx context.Context, name string, tags map[string]string, data any) error {
	var errs []error
	for _, bus := range m {
		if err := bus.Publish(ctx, name, tags, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.EventBus = (*Kafka)(nil)
	_ domain.EventBus = Multi(nil)
)
