// Package events relays domain events from the transactional outbox to the
// event bus.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"payment-core/internal/domain"
)

// Publisher delivers outbox messages. Delivery is at least once; consumers
// deduplicate on the event_id header.
type Publisher interface {
	Publish(ctx context.Context, msgs ...domain.OutboxMessage) error
	Close() error
}

// KafkaPublisher writes every event to one topic keyed by aggregate id, so
// events of one payment stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...domain.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		batch[i] = toKafkaMessage(msg)
	}
	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		return fmt.Errorf("failed to write %d events to kafka: %w", len(batch), err)
	}
	p.logger.Debug("Published events", zap.Int("count", len(batch)), zap.String("topic", p.writer.Topic))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(msg domain.OutboxMessage) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.AggregateID.String()),
		Value: msg.Payload,
		Time:  msg.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.ID.String())},
			{Key: "event_type", Value: []byte(msg.EventType)},
		},
	}
}

// LogPublisher only logs events. Used when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msgs ...domain.OutboxMessage) error {
	for _, msg := range msgs {
		p.logger.Info("Domain event",
			zap.String("event_id", msg.ID.String()),
			zap.String("event_type", string(msg.EventType)),
			zap.String("aggregate_id", msg.AggregateID.String()),
			zap.ByteString("payload", msg.Payload))
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
