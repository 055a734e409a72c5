// Package bridge connects the batching pipeline to the agent and the
// WhatsApp transport. It is the gateway's Processor: a drained batch goes
// in, the agent's reply comes back out as one or more WhatsApp messages,
// occasionally as a voice note when speech synthesis is configured.
package bridge

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/agent"
	"github.com/warelay/warelay/pkg/batching"
	"github.com/warelay/warelay/pkg/broadcast"
	"github.com/warelay/warelay/pkg/clock"
	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/tts"
	"github.com/warelay/warelay/pkg/types/messaging"
	"github.com/warelay/warelay/pkg/whatsapp"
)

// voiceFilename names uploaded voice notes. The extension drives the
// provider's container detection, the rest is cosmetic.
const voiceFilename = "reply.ogg"

// Sender is the outbound transport surface the bridge needs. It is
// satisfied by *whatsapp.Client.
type Sender interface {
	Send(ctx context.Context, to messaging.Recipient, msg messaging.OutboundMessage) (*whatsapp.SendResult, error)
	UploadMedia(ctx context.Context, content io.Reader, mimeType, filename string) (string, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSpeech enables voice replies: each reply is synthesized and sent as
// a voice note with the given probability. A chance of 0 disables the
// coin flip entirely.
func WithSpeech(synth tts.Synthesizer, chance float64) Option {
	return func(b *Bridge) {
		b.speech = synth
		b.speechChance = chance
	}
}

// WithBroadcaster sets the event sink for reply telemetry.
func WithBroadcaster(bc broadcast.Broadcaster) Option {
	return func(b *Bridge) {
		if bc != nil {
			b.bc = bc
		}
	}
}

// Bridge implements batching.Processor and batching.Notifier on top of an
// agent and a WhatsApp sender.
type Bridge struct {
	agent        agent.Agent
	sender       Sender
	bc           broadcast.Broadcaster
	clk          clock.Clock
	speech       tts.Synthesizer
	speechChance float64
	coin         func() float64
}

// New builds a Bridge. The agent and sender are required.
func New(clk clock.Clock, ag agent.Agent, sender Sender, opts ...Option) (*Bridge, error) {
	if ag == nil {
		return nil, errors.New("agent is required")
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	b := &Bridge{
		agent:  ag,
		sender: sender,
		bc:     broadcast.Nop{},
		clk:    clk,
		coin:   rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Process asks the agent for a reply to the batch and delivers it to the
// user. Agent and transport failures are returned as-is so the pipeline
// retries them; a user ID that cannot be addressed is tagged fatal since
// no retry will fix it. A retried batch re-sends the whole reply: the
// partial-delivery window is small and duplicate text beats silence.
func (b *Bridge) Process(ctx context.Context, userID string, batch []messaging.Message) error {
	ctx, span := telemetry.StartSpan(ctx, "bridge.process",
		attribute.String("user_id", userID),
		attribute.Int("batch_size", len(batch)),
	)
	defer span.End()
	began := b.clk.Now()

	to, err := recipientFor(userID)
	if err != nil {
		return batching.Fatal(errors.Wrapf(err, "user %q is not addressable", userID))
	}

	reply, err := b.agent.Interact(ctx, userID, joinPrompt(batch))
	if err != nil {
		return errors.Wrap(err, "agent interaction failed")
	}

	event := broadcast.ReplyEvent{
		UserID:  userID,
		BatchID: batching.BatchIDFromContext(ctx),
	}

	if b.wantVoice(reply.Text) {
		id, voiceErr := b.sendVoice(ctx, to, reply.Text)
		if voiceErr == nil {
			event.Voice = true
			event.Parts = 1
			event.MessageIDs = []string{id}
			event.Duration = b.clk.Now().Sub(began)
			b.bc.PublishReply(ctx, event)
			return nil
		}
		logger.G(ctx).WithError(voiceErr).WithField("user_id", userID).
			Warn("voice reply failed, falling back to text")
	}

	parts := splitMessage(reply.Text, messaging.MaxTextBodyLength)
	if len(parts) == 0 {
		return batching.Fatal(errors.New("agent reply contained no sendable text"))
	}
	ids := make([]string, 0, len(parts))
	for i, part := range parts {
		result, err := b.sender.Send(ctx, to, messaging.TextMessage{Body: part})
		if err != nil {
			return errors.Wrapf(err, "sending reply part %d/%d", i+1, len(parts))
		}
		ids = append(ids, result.ProviderMessageID)
	}

	event.Parts = len(parts)
	event.MessageIDs = ids
	event.Duration = b.clk.Now().Sub(began)
	b.bc.PublishReply(ctx, event)
	return nil
}

// NotifyUser sends a short out-of-band notice, used by the pipeline for
// backpressure and exhaustion messages.
func (b *Bridge) NotifyUser(ctx context.Context, userID, text string) error {
	to, err := recipientFor(userID)
	if err != nil {
		return errors.Wrapf(err, "user %q is not addressable", userID)
	}
	if _, err := b.sender.Send(ctx, to, messaging.TextMessage{Body: text}); err != nil {
		return errors.Wrap(err, "sending notice")
	}
	return nil
}

func (b *Bridge) wantVoice(text string) bool {
	if b.speech == nil || b.speechChance <= 0 {
		return false
	}
	if len(text) > tts.MaxInputLength {
		return false
	}
	return b.coin() < b.speechChance
}

func (b *Bridge) sendVoice(ctx context.Context, to messaging.Recipient, text string) (string, error) {
	audio, err := b.speech.Synthesize(ctx, text)
	if err != nil {
		return "", errors.Wrap(err, "synthesizing speech")
	}
	mediaID, err := b.sender.UploadMedia(ctx, bytes.NewReader(audio.Content), audio.MimeType, voiceFilename)
	if err != nil {
		return "", errors.Wrap(err, "uploading voice note")
	}
	result, err := b.sender.Send(ctx, to, messaging.MediaMessage{
		Kind:    messaging.MediaAudio,
		MediaID: mediaID,
	})
	if err != nil {
		return "", errors.Wrap(err, "sending voice note")
	}
	return result.ProviderMessageID, nil
}

// joinPrompt flattens a batch into one prompt, preserving arrival order.
func joinPrompt(batch []messaging.Message) string {
	if len(batch) == 1 {
		return batch[0].Content
	}
	parts := make([]string, 0, len(batch))
	for _, msg := range batch {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

// recipientFor addresses a pipeline user ID. Most IDs are bare E.164
// digits from the webhook; anything else is treated as an opaque
// provider user ID.
func recipientFor(userID string) (messaging.Recipient, error) {
	if to, err := messaging.NewPhoneRecipient(userID); err == nil {
		return to, nil
	}
	return messaging.NewUserRecipient(userID)
}

// splitMessage chops text into chunks of at most limit bytes, preferring
// newline then space boundaries when one falls in the second half of the
// window, and never cutting a rune in half.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndex(text[:cut], "\n"); i > limit/2 {
			cut = i
		} else if i := strings.LastIndex(text[:cut], " "); i > limit/2 {
			cut = i
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		if part := strings.TrimSpace(text[:cut]); part != "" {
			parts = append(parts, part)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
