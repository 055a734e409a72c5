// Package messaging defines the logical message, recipient, outbound payload,
// and webhook event types exchanged between the webhook surface, the batching
// pipeline, and the WhatsApp transport.
package messaging

import (
	"time"

	"github.com/pkg/errors"
)

// Message is one inbound user message after normalisation. It is immutable
// once accepted by the pipeline: the batching stage copies it into batches
// and never mutates it.
type Message struct {
	MessageID  string    `json:"message_id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks the identifying fields required for deduplication and
// per-user routing.
func (m Message) Validate() error {
	if m.MessageID == "" {
		return errors.New("message id is required")
	}
	if m.UserID == "" {
		return errors.New("user id is required")
	}
	return nil
}
