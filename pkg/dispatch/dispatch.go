// Package dispatch routes decoded webhook events. Status events go to the
// broadcaster and never enter the pipeline; inbound messages are rendered
// to text, stamped with the gateway clock, and handed to the batching
// service. Sending replies is the processor's business, not the
// dispatcher's.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/batching"
	"github.com/warelay/warelay/pkg/broadcast"
	"github.com/warelay/warelay/pkg/clock"
	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/types/messaging"
)

// DefaultMinInterval is the per-user flood guard: messages arriving closer
// together than this are dropped before they cost a transcription call or
// a limiter token.
const DefaultMinInterval = 500 * time.Millisecond

// Ingester is the pipeline surface the dispatcher feeds.
type Ingester interface {
	Ingest(ctx context.Context, msg messaging.Message) batching.IngestOutcome
}

// Transcriber converts inbound voice audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, media messaging.MediaContent) (string, error)
}

// ReadMarker acknowledges an inbound message at the provider.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithTranscriber enables voice transcription.
func WithTranscriber(tr Transcriber) Option {
	return func(d *Dispatcher) { d.transcriber = tr }
}

// WithReadMarker sends a best-effort read receipt for every inbound
// message.
func WithReadMarker(rm ReadMarker) Option {
	return func(d *Dispatcher) { d.reader = rm }
}

// WithMinInterval overrides the flood guard window; zero disables it.
func WithMinInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.minInterval = interval }
}

// Dispatcher fans webhook events to the broadcaster and the pipeline.
type Dispatcher struct {
	clk         clock.Clock
	pipeline    Ingester
	bc          broadcast.Broadcaster
	transcriber Transcriber
	reader      ReadMarker
	minInterval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewDispatcher wires the dispatcher. The broadcaster may be nil, in which
// case events are only logged through the pipeline's own logging.
func NewDispatcher(clk clock.Clock, pipeline Ingester, bc broadcast.Broadcaster, opts ...Option) *Dispatcher {
	if bc == nil {
		bc = broadcast.Nop{}
	}
	d := &Dispatcher{
		clk:         clk,
		pipeline:    pipeline,
		bc:          bc,
		minInterval: DefaultMinInterval,
		lastSeen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchStatus forwards a delivery-status event to observability.
func (d *Dispatcher) DispatchStatus(ctx context.Context, event messaging.MessageStatusEvent) {
	d.bc.PublishStatus(ctx, event)
}

// DispatchMessage renders one inbound message to text and ingests it.
// Reactions are broadcast but never ingested. The returned error is
// non-nil only when the pipeline is shutting down; every other non-accept
// outcome is deliberate pipeline behaviour and already logged there.
func (d *Dispatcher) DispatchMessage(ctx context.Context, event messaging.IncomingMessageEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.message",
		attribute.String("message_id", event.MessageID),
		attribute.String("kind", string(event.Kind)),
	)
	defer span.End()

	d.bc.PublishInbound(ctx, event)
	if d.reader != nil {
		go d.markRead(ctx, event.MessageID)
	}

	log := logger.G(ctx).WithFields(map[string]any{
		"message_id": event.MessageID,
		"sender_id":  event.SenderID,
		"kind":       string(event.Kind),
	})

	if event.Kind == messaging.IncomingReaction {
		log.Debug("reaction recorded, not forwarded")
		return nil
	}

	userID, err := normalizeSender(event.SenderID)
	if err != nil {
		log.WithError(err).Warn("dropping message with unusable sender")
		return nil
	}
	if d.flooded(userID) {
		log.Debug("flood guard dropped message")
		return nil
	}

	text := d.renderText(ctx, event)
	if text == "" {
		log.Debug("nothing to forward")
		return nil
	}

	msg := messaging.Message{
		MessageID:  event.MessageID,
		UserID:     userID,
		Content:    text,
		ReceivedAt: d.clk.Now(),
	}
	if outcome := d.pipeline.Ingest(ctx, msg); outcome == batching.IngestShuttingDown {
		return batching.ErrShuttingDown
	}
	return nil
}

func (d *Dispatcher) markRead(ctx context.Context, messageID string) {
	if err := d.reader.MarkRead(ctx, messageID); err != nil {
		logger.G(ctx).WithError(err).WithField("message_id", messageID).Debug("failed to mark message read")
	}
}

// normalizeSender prefers the E.164 form; WhatsApp WA-IDs that are not
// plain phone numbers pass through as opaque user IDs.
func normalizeSender(senderID string) (string, error) {
	if recipient, err := messaging.NewPhoneRecipient(senderID); err == nil {
		return recipient.Identifier, nil
	}
	recipient, err := messaging.NewUserRecipient(senderID)
	if err != nil {
		return "", err
	}
	return recipient.Identifier, nil
}

// flooded applies the per-user minimum interval and records the arrival.
func (d *Dispatcher) flooded(userID string) bool {
	if d.minInterval <= 0 {
		return false
	}
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSeen[userID]; ok && now.Sub(last) < d.minInterval {
		return true
	}
	d.lastSeen[userID] = now
	if len(d.lastSeen) > 10000 {
		d.pruneLocked(now)
	}
	return false
}

// pruneLocked drops stale flood-guard entries; d.mu must be held.
func (d *Dispatcher) pruneLocked(now time.Time) {
	cutoff := now.Add(-10 * d.minInterval)
	for user, last := range d.lastSeen {
		if last.Before(cutoff) {
			delete(d.lastSeen, user)
		}
	}
}

// renderText flattens an inbound event into the text the agent will read.
func (d *Dispatcher) renderText(ctx context.Context, event messaging.IncomingMessageEvent) string {
	switch event.Kind {
	case messaging.IncomingText:
		return event.Text

	case messaging.IncomingButtonReply, messaging.IncomingListReply:
		if event.Reply != nil && event.Reply.Title != "" {
			return event.Reply.Title
		}
		return event.Text

	case messaging.IncomingAudio:
		return d.renderAudio(ctx, event)

	case messaging.IncomingImage:
		return describeMedia("image", event)
	case messaging.IncomingVideo:
		return describeMedia("video", event)
	case messaging.IncomingSticker:
		return "[sticker]"
	case messaging.IncomingDocument:
		return describeDocument(event)

	case messaging.IncomingLocation:
		return describeLocation(event.Location)

	case messaging.IncomingContact:
		if event.Text != "" {
			return fmt.Sprintf("[contact card: %s]", event.Text)
		}
		return "[contact card]"

	default:
		return ""
	}
}

func (d *Dispatcher) renderAudio(ctx context.Context, event messaging.IncomingMessageEvent) string {
	if event.Media == nil {
		return ""
	}
	if d.transcriber == nil {
		return "[voice message - transcription unavailable]"
	}
	transcript, err := d.transcriber.Transcribe(ctx, *event.Media)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("message_id", event.MessageID).Warn("transcription failed")
		return "[voice message - transcription failed]"
	}
	return transcript
}

func describeMedia(kind string, event messaging.IncomingMessageEvent) string {
	caption := ""
	if event.Media != nil {
		caption = strings.TrimSpace(event.Media.Caption)
	}
	if caption == "" {
		caption = strings.TrimSpace(event.Text)
	}
	if caption != "" {
		return fmt.Sprintf("[%s: %s]", kind, caption)
	}
	return fmt.Sprintf("[%s received]", kind)
}

func describeDocument(event messaging.IncomingMessageEvent) string {
	if event.Media == nil {
		return "[document received]"
	}
	name := strings.TrimSpace(event.Media.Filename)
	caption := strings.TrimSpace(event.Media.Caption)
	switch {
	case name != "" && caption != "":
		return fmt.Sprintf("[document %s: %s]", name, caption)
	case name != "":
		return fmt.Sprintf("[document %s]", name)
	case caption != "":
		return fmt.Sprintf("[document: %s]", caption)
	default:
		return "[document received]"
	}
}

func describeLocation(loc *messaging.LocationContent) string {
	if loc == nil {
		return ""
	}
	desc := fmt.Sprintf("[location: %.6f, %.6f", loc.Latitude, loc.Longitude)
	if loc.Name != "" {
		desc += " - " + loc.Name
	}
	if loc.Address != "" {
		desc += ", " + loc.Address
	}
	return desc + "]"
}
