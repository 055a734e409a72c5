// Package broadcast publishes gateway events to observability sinks:
// decoded inbound messages, delivery status updates, terminal batch
// outcomes, and delivered replies. Publishing is fire-and-forget; sinks
// must not block the pipeline.
package broadcast

import (
	"context"
	"time"

	"github.com/warelay/warelay/pkg/batching"
	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/types/messaging"
)

// ReplyEvent describes one reply delivered back to a user.
type ReplyEvent struct {
	UserID     string        `json:"user_id"`
	BatchID    string        `json:"batch_id,omitempty"`
	Parts      int           `json:"parts"`
	Voice      bool          `json:"voice"`
	MessageIDs []string      `json:"message_ids,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Broadcaster receives every observable gateway event. BatchOutcome makes
// any Broadcaster usable as the pipeline's outcome observer.
type Broadcaster interface {
	PublishInbound(ctx context.Context, event messaging.IncomingMessageEvent)
	PublishStatus(ctx context.Context, event messaging.MessageStatusEvent)
	PublishReply(ctx context.Context, event ReplyEvent)
	BatchOutcome(ctx context.Context, event batching.OutcomeEvent)
}

// Log writes every event to the structured log.
type Log struct{}

// NewLog returns the logging broadcaster.
func NewLog() *Log {
	return &Log{}
}

func (*Log) PublishInbound(ctx context.Context, event messaging.IncomingMessageEvent) {
	logger.G(ctx).WithFields(map[string]any{
		"message_id": event.MessageID,
		"sender_id":  event.SenderID,
		"kind":       string(event.Kind),
		"timestamp":  event.Timestamp,
	}).Info("inbound message")
}

func (*Log) PublishStatus(ctx context.Context, event messaging.MessageStatusEvent) {
	log := logger.G(ctx).WithFields(map[string]any{
		"message_id":   event.MessageID,
		"recipient_id": event.RecipientID,
		"status":       string(event.Status),
	})
	if event.Status == messaging.StatusFailed {
		if len(event.Errors) > 0 {
			log = log.WithFields(map[string]any{
				"error_code":  event.Errors[0].Code,
				"error_title": event.Errors[0].Title,
			})
		}
		log.Warn("message delivery failed")
		return
	}
	log.Debug("message status update")
}

func (*Log) PublishReply(ctx context.Context, event ReplyEvent) {
	logger.G(ctx).WithFields(map[string]any{
		"user_id":  event.UserID,
		"batch_id": event.BatchID,
		"parts":    event.Parts,
		"voice":    event.Voice,
		"duration": event.Duration,
	}).Info("reply delivered")
}

func (*Log) BatchOutcome(ctx context.Context, event batching.OutcomeEvent) {
	log := logger.G(ctx).WithFields(map[string]any{
		"user_id":    event.UserID,
		"batch_id":   event.BatchID,
		"batch_size": event.BatchSize,
		"attempts":   event.Attempts,
		"outcome":    event.Outcome,
		"duration":   event.Duration,
	})
	if event.Outcome == batching.OutcomeSuccess {
		log.Debug("batch outcome")
		return
	}
	log.WithField("error", event.Error).Info("batch outcome")
}

// Multi fans every event out to each sink in order.
type Multi struct {
	sinks []Broadcaster
}

// NewMulti combines sinks into one Broadcaster.
func NewMulti(sinks ...Broadcaster) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) PublishInbound(ctx context.Context, event messaging.IncomingMessageEvent) {
	for _, s := range m.sinks {
		s.PublishInbound(ctx, event)
	}
}

func (m *Multi) PublishStatus(ctx context.Context, event messaging.MessageStatusEvent) {
	for _, s := range m.sinks {
		s.PublishStatus(ctx, event)
	}
}

func (m *Multi) PublishReply(ctx context.Context, event ReplyEvent) {
	for _, s := range m.sinks {
		s.PublishReply(ctx, event)
	}
}

func (m *Multi) BatchOutcome(ctx context.Context, event batching.OutcomeEvent) {
	for _, s := range m.sinks {
		s.BatchOutcome(ctx, event)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishInbound(context.Context, messaging.IncomingMessageEvent) {}
func (Nop) PublishStatus(context.Context, messaging.MessageStatusEvent)   {}
func (Nop) PublishReply(context.Context, ReplyEvent)                      {}
func (Nop) BatchOutcome(context.Context, batching.OutcomeEvent)           {}
