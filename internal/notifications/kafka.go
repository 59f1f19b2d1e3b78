package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications to a topic keyed by school id, so
// events for one school stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a synchronous writer for brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

// Send writes n as one message.
func (k *KafkaSink) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.SchoolID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "notification_id", Value: []byte(n.ID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
