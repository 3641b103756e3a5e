// Package messaging carries operation lifecycle events between the worker
// pool and the webhook notifier over Kafka, with a DLQ topic for events
// that repeatedly fail downstream handling.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
)

const (
	OperationEventsTopic    = "operation-events"
	OperationEventsDLQTopic = "operation-events-dlq"
	ConsumerGroup           = "webhook-notifiers"
)

// OperationEvent is published on every terminal operation transition.
type OperationEvent struct {
	OperationID uuid.UUID              `json:"operation_id"`
	Event       string                 `json:"event"` // completed or failed
	Timestamp   time.Time              `json:"timestamp"`
	RetryCount  int                    `json:"retry_count"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

type EventBus struct {
	writer       *kafka.Writer
	reader       *kafka.Reader
	dlqWriter    *kafka.Writer
	logger       *logrus.Logger
	dlqPublished atomic.Int64
}

func NewEventBus(cfg *config.Config, logger *logrus.Logger) (*EventBus, error) {
	topic := cfg.Kafka.Topics.OperationEvents
	if topic == "" {
		topic = OperationEventsTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // key by operation id to keep per-operation order
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        topic + "-dlq",
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &EventBus{
		writer:    writer,
		reader:    reader,
		dlqWriter: dlqWriter,
		logger:    logger,
	}, nil
}

// PublishOperationEvent emits a terminal transition for an operation.
func (eb *EventBus) PublishOperationEvent(ctx context.Context, event OperationEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal operation event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OperationID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "operation_id", Value: []byte(event.OperationID.String())},
			{Key: "event", Value: []byte(event.Event)},
			{Key: "timestamp", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := eb.writer.WriteMessages(writeCtx, msg); err != nil {
		eb.logger.WithError(err).WithField("operation_id", event.OperationID).
			Error("Failed to publish operation event")
		return fmt.Errorf("failed to write operation event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"operation_id": event.OperationID,
		"event":        event.Event,
	}).Debug("Operation event published")

	return nil
}

// Consume reads operation events and hands them to the handler, retrying
// with exponential backoff and dead-lettering after exhaustion.
func (eb *EventBus) Consume(ctx context.Context, handler func(OperationEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := eb.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				eb.logger.WithError(err).Error("Failed to read operation event")
				continue
			}

			var event OperationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eb.logger.WithError(err).Error("Failed to unmarshal operation event")
				continue
			}

			if err := eb.processWithRetry(ctx, event, handler); err != nil {
				eb.logger.WithError(err).WithField("operation_id", event.OperationID).
					Error("Failed to process operation event after retries")
				if dlqErr := eb.sendToDLQ(ctx, event, err); dlqErr != nil {
					eb.logger.WithError(dlqErr).Error("Failed to dead-letter operation event")
				}
			}
		}
	}
}

func (eb *EventBus) processWithRetry(ctx context.Context, event OperationEvent, handler func(OperationEvent) error) error {
	maxRetries := 3
	baseDelay := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		event.RetryCount = attempt
		if err := handler(event); err != nil {
			eb.logger.WithError(err).WithFields(logrus.Fields{
				"operation_id": event.OperationID,
				"attempt":      attempt,
			}).Warn("Operation event handling failed")

			if attempt == maxRetries {
				return fmt.Errorf("max retries exceeded: %w", err)
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("unexpected retry loop exit")
}

func (eb *EventBus) sendToDLQ(ctx context.Context, event OperationEvent, originalErr error) error {
	dlqPayload := map[string]interface{}{
		"original_event": event,
		"error":          originalErr.Error(),
		"dlq_timestamp":  time.Now().UTC(),
	}

	payload, err := json.Marshal(dlqPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ payload: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OperationID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "operation_id", Value: []byte(event.OperationID.String())},
			{Key: "error", Value: []byte(originalErr.Error())},
		},
	}

	if err := eb.dlqWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write DLQ message: %w", err)
	}

	eb.dlqPublished.Add(1)
	eb.logger.WithField("operation_id", event.OperationID).
		Warn("Operation event sent to DLQ")
	return nil
}

func (eb *EventBus) Close() error {
	var errs []error

	if err := eb.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
	}
	if err := eb.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close reader: %w", err))
	}
	if err := eb.dlqWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing event bus: %v", errs)
	}
	return nil
}

// Stats exposes consumer lag and DLQ counters for monitoring.
func (eb *EventBus) Stats() map[string]interface{} {
	stats := eb.reader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"errors":          stats.Errors,
		"dlq_published":   eb.dlqPublished.Load(),
	}
}
