package messaging

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// SubjectHeader is the Kafka header carrying the event subject.
const SubjectHeader = "subject"

// KafkaPublisher writes relay events to one Kafka topic, keyed by user id so
// a user's events land on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates an async writer for topic. Delivery failures are
// logged from the completion callback.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Printf("[kafka] failed to write %d events: %v", len(messages), err)
			}
		},
	}
	log.Printf("[kafka] publishing to topic=%s brokers=%v", topic, brokers)
	return &KafkaPublisher{writer: w}
}

// Publish queues one event.
func (p *KafkaPublisher) Publish(ctx context.Context, subject, key string, data []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: SubjectHeader, Value: []byte(subject)}},
	})
}

// Close flushes pending events and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka close: %w", err)
	}
	log.Printf("[kafka] writer closed")
	return nil
}

// ConsumeKafka reads relay events from topic as part of groupID and passes
// each to handler until ctx is cancelled.
func ConsumeKafka(ctx context.Context, brokers []string, topic, groupID string, handler func(subject string, data []byte)) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer r.Close()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}
		handler(headerValue(m.Headers, SubjectHeader), m.Value)
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
