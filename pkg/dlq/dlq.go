// Package dlq publishes retry-exhausted batches to a Kafka topic so an
// operator can triage or replay them out of band. Records are keyed by
// user ID, which keeps one user's failures ordered on a single partition.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/batching"
	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
)

const defaultWriteTimeout = 10 * time.Second

// Config holds the Kafka connection settings for the dead letter topic.
type Config struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one kafka broker is required")
	}
	for _, broker := range c.Brokers {
		if broker == "" {
			return errors.New("kafka broker address cannot be empty")
		}
	}
	if c.Topic == "" {
		return errors.New("dead letter topic is required")
	}
	return nil
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes dead batches to Kafka. Its Handle method satisfies
// batching.DeadLetterHandler.
type Publisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// NewPublisher connects a publisher to the configured topic. The writer
// dials lazily; a broker that is down surfaces on the first publish, not
// here.
func NewPublisher(config Config) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid dead letter config")
	}
	timeout := config.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &Publisher{writer: writer, topic: config.Topic, timeout: timeout}, nil
}

// Handle publishes one dead batch. The record value is the JSON-encoded
// batching.DeadBatch; the key is the user ID.
func (p *Publisher) Handle(ctx context.Context, dead batching.DeadBatch) error {
	ctx, span := telemetry.StartSpan(ctx, "dlq.publish",
		attribute.String("user_id", dead.UserID),
		attribute.String("batch_id", dead.BatchID),
		attribute.Int("batch_size", len(dead.Messages)),
	)
	defer span.End()

	value, err := json.Marshal(dead)
	if err != nil {
		return errors.Wrap(err, "encoding dead batch")
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(dead.UserID),
		Value: value,
		Time:  dead.FailedAt,
		Headers: []kafka.Header{
			{Key: "batch_id", Value: []byte(dead.BatchID)},
		},
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return errors.Wrapf(err, "publishing dead batch to %s", p.topic)
	}

	logger.G(ctx).WithFields(map[string]any{
		"user_id":    dead.UserID,
		"batch_id":   dead.BatchID,
		"batch_size": len(dead.Messages),
		"topic":      p.topic,
	}).Info("dead batch published")
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return errors.Wrap(p.writer.Close(), "closing dead letter writer")
}
