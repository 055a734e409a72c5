package webhook

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/warelay/warelay/pkg/types/messaging"
)

// notification is the Cloud API webhook envelope. One POST can carry
// several entries, each with several changes, each with several messages
// or statuses.
type notification struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string       `json:"messaging_product"`
	Metadata         metadata     `json:"metadata"`
	Contacts         []contact    `json:"contacts,omitempty"`
	Messages         []rawMessage `json:"messages,omitempty"`
	Statuses         []rawStatus  `json:"statuses,omitempty"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string         `json:"wa_id"`
	Profile contactProfile `json:"profile"`
}

type contactProfile struct {
	Name string `json:"name"`
}

type rawMessage struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	Timestamp   string          `json:"timestamp"`
	Type        string          `json:"type"`
	Text        *rawText        `json:"text,omitempty"`
	Image       *rawMedia       `json:"image,omitempty"`
	Video       *rawMedia       `json:"video,omitempty"`
	Audio       *rawMedia       `json:"audio,omitempty"`
	Document    *rawMedia       `json:"document,omitempty"`
	Sticker     *rawMedia       `json:"sticker,omitempty"`
	Location    *rawLocation    `json:"location,omitempty"`
	Contacts    []rawCard       `json:"contacts,omitempty"`
	Reaction    *rawReaction    `json:"reaction,omitempty"`
	Interactive *rawInteractive `json:"interactive,omitempty"`
	Button      *rawButton      `json:"button,omitempty"`
	Context     *rawContext     `json:"context,omitempty"`
}

type rawText struct {
	Body string `json:"body"`
}

type rawMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

type rawLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type rawCard struct {
	Name rawCardName `json:"name"`
}

type rawCardName struct {
	FormattedName string `json:"formatted_name"`
}

type rawReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji,omitempty"`
}

// rawInteractive carries the user's selection on a button or list message.
// Type is "button_reply" or "list_reply" and tags which pointer is set.
type rawInteractive struct {
	Type        string    `json:"type"`
	ButtonReply *rawReply `json:"button_reply,omitempty"`
	ListReply   *rawReply `json:"list_reply,omitempty"`
}

type rawReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// rawButton is the quick-reply button of a template message.
type rawButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
}

type rawContext struct {
	From      string `json:"from,omitempty"`
	ID        string `json:"id,omitempty"`
	Forwarded bool   `json:"forwarded,omitempty"`
}

type rawStatus struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Timestamp    string           `json:"timestamp"`
	RecipientID  string           `json:"recipient_id"`
	Conversation *rawConversation `json:"conversation,omitempty"`
	Pricing      *rawPricing      `json:"pricing,omitempty"`
	Errors       []rawError       `json:"errors,omitempty"`
}

type rawConversation struct {
	ID string `json:"id"`
}

type rawPricing struct {
	Billable     bool   `json:"billable"`
	Category     string `json:"category,omitempty"`
	PricingModel string `json:"pricing_model,omitempty"`
}

type rawError struct {
	Code      int           `json:"code"`
	Title     string        `json:"title,omitempty"`
	Message   string        `json:"message,omitempty"`
	ErrorData *rawErrorData `json:"error_data,omitempty"`
}

type rawErrorData struct {
	Details string `json:"details"`
}

func decodeNotification(body []byte) (*notification, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, errors.Wrap(err, "decoding webhook payload")
	}
	return &n, nil
}

// events flattens the envelope into typed inbound and status events,
// preserving provider order. Unsupported message types are dropped.
func (n *notification) events() ([]messaging.IncomingMessageEvent, []messaging.MessageStatusEvent) {
	var msgs []messaging.IncomingMessageEvent
	var statuses []messaging.MessageStatusEvent
	for _, ent := range n.Entry {
		for _, ch := range ent.Changes {
			names := senderNames(ch.Value.Contacts)
			for _, raw := range ch.Value.Messages {
				if event, ok := raw.event(names[raw.From]); ok {
					msgs = append(msgs, event)
				}
			}
			for _, raw := range ch.Value.Statuses {
				statuses = append(statuses, raw.event())
			}
		}
	}
	return msgs, statuses
}

func senderNames(contacts []contact) map[string]string {
	if len(contacts) == 0 {
		return nil
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

// event converts one raw provider message into the typed inbound event.
// The second return is false for message types the gateway does not
// handle, such as system notices and order messages.
func (m rawMessage) event(senderName string) (messaging.IncomingMessageEvent, bool) {
	out := messaging.IncomingMessageEvent{
		MessageID:  m.ID,
		SenderID:   m.From,
		SenderName: senderName,
		Timestamp:  parseUnixSeconds(m.Timestamp),
	}
	if m.Context != nil {
		out.Context = &messaging.MessageContext{
			ReferencedMessageID: m.Context.ID,
			ForwardedFrom:       m.Context.From,
			IsForwarded:         m.Context.Forwarded,
		}
	}

	switch m.Type {
	case "text":
		out.Kind = messaging.IncomingText
		if m.Text != nil {
			out.Text = m.Text.Body
		}

	case "image":
		out.Kind = messaging.IncomingImage
		out.Media = m.Image.content()
	case "video":
		out.Kind = messaging.IncomingVideo
		out.Media = m.Video.content()
	case "audio":
		out.Kind = messaging.IncomingAudio
		out.Media = m.Audio.content()
	case "document":
		out.Kind = messaging.IncomingDocument
		out.Media = m.Document.content()
	case "sticker":
		out.Kind = messaging.IncomingSticker
		out.Media = m.Sticker.content()

	case "location":
		if m.Location == nil {
			return out, false
		}
		out.Kind = messaging.IncomingLocation
		out.Location = &messaging.LocationContent{
			Latitude:  m.Location.Latitude,
			Longitude: m.Location.Longitude,
			Name:      m.Location.Name,
			Address:   m.Location.Address,
		}
		out.Text = m.Location.Name

	case "contacts":
		out.Kind = messaging.IncomingContact
		if len(m.Contacts) > 0 {
			out.Text = m.Contacts[0].Name.FormattedName
		}

	case "reaction":
		if m.Reaction == nil {
			return out, false
		}
		out.Kind = messaging.IncomingReaction
		out.Reaction = &messaging.ReactionContent{
			TargetMessageID: m.Reaction.MessageID,
			Emoji:           m.Reaction.Emoji,
		}

	case "interactive":
		if m.Interactive == nil {
			return out, false
		}
		switch m.Interactive.Type {
		case "button_reply":
			if m.Interactive.ButtonReply == nil {
				return out, false
			}
			out.Kind = messaging.IncomingButtonReply
			out.Reply = &messaging.ReplyContent{
				ID:    m.Interactive.ButtonReply.ID,
				Title: m.Interactive.ButtonReply.Title,
			}
		case "list_reply":
			if m.Interactive.ListReply == nil {
				return out, false
			}
			out.Kind = messaging.IncomingListReply
			out.Reply = &messaging.ReplyContent{
				ID:    m.Interactive.ListReply.ID,
				Title: m.Interactive.ListReply.Title,
			}
		default:
			return out, false
		}
		out.Text = out.Reply.Title

	case "button":
		if m.Button == nil {
			return out, false
		}
		out.Kind = messaging.IncomingButtonReply
		out.Reply = &messaging.ReplyContent{
			ID:    m.Button.Payload,
			Title: m.Button.Text,
		}
		out.Text = m.Button.Text

	default:
		return out, false
	}

	if out.Media != nil {
		out.Text = out.Media.Caption
	}
	return out, true
}

func (m *rawMedia) content() *messaging.MediaContent {
	if m == nil {
		return nil
	}
	return &messaging.MediaContent{
		MediaID:  m.ID,
		MimeType: m.MimeType,
		SHA256:   m.SHA256,
		Filename: m.Filename,
		Caption:  m.Caption,
		Voice:    m.Voice,
	}
}

func (s rawStatus) event() messaging.MessageStatusEvent {
	out := messaging.MessageStatusEvent{
		MessageID:   s.ID,
		RecipientID: s.RecipientID,
		Status:      messaging.MessageStatus(s.Status),
		Timestamp:   parseUnixSeconds(s.Timestamp),
	}
	if s.Conversation != nil {
		out.ConversationID = s.Conversation.ID
	}
	if s.Pricing != nil {
		out.Pricing = &messaging.Pricing{
			Billable:     s.Pricing.Billable,
			Category:     s.Pricing.Category,
			PricingModel: s.Pricing.PricingModel,
		}
	}
	for _, rawErr := range s.Errors {
		provErr := messaging.ProviderError{
			Code:    rawErr.Code,
			Title:   rawErr.Title,
			Message: rawErr.Message,
		}
		if rawErr.ErrorData != nil {
			provErr.Details = rawErr.ErrorData.Details
		}
		out.Errors = append(out.Errors, provErr)
	}
	return out
}

// parseUnixSeconds reads the provider's second-granularity timestamp
// string; a missing or malformed value yields the zero time.
func parseUnixSeconds(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
