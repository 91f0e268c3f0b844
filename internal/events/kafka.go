package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a single Kafka topic, keyed by template id
// so every entry of a template lands on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// flushInterval bounds how long a synchronous write waits for a batch to fill.
// Events are written one at a time while a template lock is held.
const flushInterval = 10 * time.Millisecond

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
			BatchTimeout: flushInterval,
		},
	}
}

// PublishEntryCreated implements Publisher.
func (p *KafkaPublisher) PublishEntryCreated(ctx context.Context, evt EntryCreated) error {
	data, err := evt.encode()
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TemplateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "event_id", Value: []byte(evt.EventID)},
		},
	}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
