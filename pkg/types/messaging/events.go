package messaging

import "time"

// MessageStatus is a delivery-status value reported by the provider.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Pricing is the provider's billing breakdown for a conversation, forwarded
// untouched to observability.
type Pricing struct {
	Billable     bool   `json:"billable"`
	Category     string `json:"category,omitempty"`
	PricingModel string `json:"pricing_model,omitempty"`
}

// ProviderError is a provider-reported delivery error.
type ProviderError struct {
	Code    int    `json:"code"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// MessageStatusEvent reports delivery progress for a previously sent
// message. Status events never enter the batching pipeline.
type MessageStatusEvent struct {
	MessageID      string          `json:"message_id"`
	RecipientID    string          `json:"recipient_id"`
	Status         MessageStatus   `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Pricing        *Pricing        `json:"pricing,omitempty"`
	Errors         []ProviderError `json:"errors,omitempty"`
}

// IncomingKind tags the payload family of an inbound message.
type IncomingKind string

const (
	IncomingText        IncomingKind = "text"
	IncomingImage       IncomingKind = "image"
	IncomingVideo       IncomingKind = "video"
	IncomingAudio       IncomingKind = "audio"
	IncomingDocument    IncomingKind = "document"
	IncomingSticker     IncomingKind = "sticker"
	IncomingLocation    IncomingKind = "location"
	IncomingContact     IncomingKind = "contact"
	IncomingReaction    IncomingKind = "reaction"
	IncomingButtonReply IncomingKind = "button_reply"
	IncomingListReply   IncomingKind = "list_reply"
)

// MediaContent describes an inbound media attachment by provider media ID.
type MediaContent struct {
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// LocationContent is an inbound shared location.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ReactionContent is an inbound emoji reaction.
type ReactionContent struct {
	TargetMessageID string `json:"target_message_id"`
	Emoji           string `json:"emoji,omitempty"`
}

// ReplyContent is the selection made on an interactive message.
type ReplyContent struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageContext carries reply/forward metadata for an inbound message.
type MessageContext struct {
	ReferencedMessageID string `json:"referenced_message_id,omitempty"`
	ForwardedFrom       string `json:"forwarded_from,omitempty"`
	IsForwarded         bool   `json:"is_forwarded,omitempty"`
}

// IncomingMessageEvent is one inbound message as decoded from the webhook
// payload. Content is tagged by Kind: exactly the pointer matching Kind is
// populated, Text holds the body for text payloads and the caption or reply
// title otherwise.
type IncomingMessageEvent struct {
	MessageID  string           `json:"message_id"`
	SenderID   string           `json:"sender_id"`
	SenderName string           `json:"sender_name,omitempty"`
	Kind       IncomingKind     `json:"kind"`
	Text       string           `json:"text,omitempty"`
	Media      *MediaContent    `json:"media,omitempty"`
	Location   *LocationContent `json:"location,omitempty"`
	Reaction   *ReactionContent `json:"reaction,omitempty"`
	Reply      *ReplyContent    `json:"reply,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Context    *MessageContext  `json:"context,omitempty"`
}
