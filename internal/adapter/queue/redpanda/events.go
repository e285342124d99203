// Package redpanda provides the Kafka/Redpanda sink for lifecycle events.
//
// Every event published on the internal bus is forwarded to a single topic
// with at-least-once delivery; the event id is the record key so downstream
// consumers can dedupe.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// EventSink wraps a Kafka producer and implements bus.Sink.
type EventSink struct {
	client *kgo.Client
	topic  string
}

// NewEventSink constructs an event sink producing to topic.
func NewEventSink(brokers []string, topic string) (*EventSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.sink: no seed brokers provided")
	}
	slog.Info("creating event sink", slog.Any("brokers", brokers), slog.String("topic", topic))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.sink: client: %w", err)
	}
	return &EventSink{client: client, topic: topic}, nil
}

// Publish forwards one event synchronously.
func (s *EventSink) Publish(ctx context.Context, e domain.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=events.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(e.ID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish: produce: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *EventSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
