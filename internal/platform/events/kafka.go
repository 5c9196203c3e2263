package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher delivers a batch of events. A nil error means every event in
// the batch was acknowledged.
type Publisher interface {
	Publish(ctx context.Context, batch []Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by episode id, so every
// event of an episode lands on the same partition in outbox order.
type KafkaPublisher struct {
	w     messageWriter
	topic string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{w: w, topic: topic}, nil
}

func (p *KafkaPublisher) Topic() string {
	return p.topic
}

func (p *KafkaPublisher) Publish(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		msg, err := toMessage(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func toMessage(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e.Envelope())
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %d: %w", e.ID, err)
	}
	return kafka.Message{
		Key:   []byte(e.AggregateID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
		Time: e.CreatedAt,
	}, nil
}
