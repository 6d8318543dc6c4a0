// Package events publishes domain events to Kafka, one topic per event type.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
	"github.com/akylbek/payment-system/marketplace-core/internal/telemetry"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer       MessageWriter
	topicByEvent map[models.EventType]string
	maxAttempts  int
	logger       *zap.Logger
}

// DefaultTopics routes each event type to a topic of the same name.
func DefaultTopics() map[models.EventType]string {
	return map[models.EventType]string{
		models.EventPaymentSucceeded:       string(models.EventPaymentSucceeded),
		models.EventPaymentFailed:          string(models.EventPaymentFailed),
		models.EventRefundProcessed:        string(models.EventRefundProcessed),
		models.EventCommissionAccrued:      string(models.EventCommissionAccrued),
		models.EventReconciliationRequired: string(models.EventReconciliationRequired),
	}
}

func NewKafkaPublisher(brokers []string, topicByEvent map[models.EventType]string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}
	return NewPublisherWithWriter(writer, topicByEvent, logger), nil
}

func NewPublisherWithWriter(writer MessageWriter, topicByEvent map[models.EventType]string, logger *zap.Logger) *KafkaPublisher {
	if topicByEvent == nil {
		topicByEvent = DefaultTopics()
	}
	return &KafkaPublisher{writer: writer, topicByEvent: topicByEvent, maxAttempts: 3, logger: logger}
}

// Publish writes the event keyed by its aggregate id, retrying a bounded number
// of times. A final failure is logged with the payload and returned.
func (p *KafkaPublisher) Publish(ctx context.Context, event models.Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}

	topic := string(event.Type)
	if mapped, ok := p.topicByEvent[event.Type]; ok && mapped != "" {
		topic = mapped
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.AggregateID),
		Value: payload,
		Time:  event.OccurredAt,
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.maxAttempts-1)), ctx)
	err = backoff.Retry(func() error {
		return p.writer.WriteMessages(ctx, msg)
	}, policy)
	if err != nil {
		telemetry.EventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		p.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("topic", topic),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	telemetry.EventsPublished.WithLabelValues(string(event.Type), "ok").Inc()
	p.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("aggregate_id", event.AggregateID),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs events instead of sending them. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event models.Event) error {
	telemetry.EventsPublished.WithLabelValues(string(event.Type), "logged").Inc()
	p.logger.Info("Event emitted",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("aggregate_id", event.AggregateID),
		zap.Any("data", event.Data),
	)
	return nil
}
