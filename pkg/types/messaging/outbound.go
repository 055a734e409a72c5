package messaging

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Provider-imposed bounds on outbound content.
const (
	MaxTextBodyLength    = 4096
	MaxCaptionLength     = 1024
	MaxButtonTitleLength = 20
	MaxButtons           = 3
	MaxListSections      = 10
	MaxListRows          = 10
	MaxListRowTitle      = 24
)

// OutboundKind names an outbound message variant on the wire.
type OutboundKind string

const (
	OutboundText        OutboundKind = "text"
	OutboundMedia       OutboundKind = "media"
	OutboundTemplate    OutboundKind = "template"
	OutboundInteractive OutboundKind = "interactive"
	OutboundLocation    OutboundKind = "location"
	OutboundContact     OutboundKind = "contacts"
	OutboundReaction    OutboundKind = "reaction"
)

// OutboundMessage is the closed set of payloads the transport can deliver.
// The pipeline treats values as opaque; only the transport interprets them.
type OutboundMessage interface {
	OutboundKind() OutboundKind
	Validate() error
}

// TextMessage is a plain text reply.
type TextMessage struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

func (m TextMessage) OutboundKind() OutboundKind { return OutboundText }

func (m TextMessage) Validate() error {
	if m.Body == "" {
		return errors.New("text body is required")
	}
	if len(m.Body) > MaxTextBodyLength {
		return errors.Errorf("text body exceeds %d characters", MaxTextBodyLength)
	}
	return nil
}

// MediaKind distinguishes the media payload families.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// MediaMessage carries an uploaded media ID or an external link. Exactly one
// of MediaID and Link must be set.
type MediaMessage struct {
	Kind     MediaKind `json:"kind"`
	MediaID  string    `json:"media_id,omitempty"`
	Link     string    `json:"link,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	Filename string    `json:"filename,omitempty"`
}

func (m MediaMessage) OutboundKind() OutboundKind { return OutboundMedia }

func (m MediaMessage) Validate() error {
	switch m.Kind {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument, MediaSticker:
	default:
		return errors.Errorf("unknown media kind: %q", m.Kind)
	}
	if (m.MediaID == "") == (m.Link == "") {
		return errors.New("exactly one of media_id and link must be set")
	}
	if len(m.Caption) > MaxCaptionLength {
		return errors.Errorf("caption exceeds %d characters", MaxCaptionLength)
	}
	switch m.Kind {
	case MediaAudio, MediaSticker:
		if m.Caption != "" {
			return errors.Errorf("%s messages do not support captions", m.Kind)
		}
	case MediaDocument:
	default:
		if m.Filename != "" {
			return errors.Errorf("%s messages do not support filenames", m.Kind)
		}
	}
	return nil
}

// TemplateMessage references a pre-approved template by name and language.
type TemplateMessage struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

// TemplateComponent fills one template slot.
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TemplateParameter is a single substitution value.
type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (m TemplateMessage) OutboundKind() OutboundKind { return OutboundTemplate }

func (m TemplateMessage) Validate() error {
	if m.Name == "" {
		return errors.New("template name is required")
	}
	if m.Language == "" {
		return errors.New("template language is required")
	}
	return nil
}

// InteractiveKind selects the interactive sub-variant.
type InteractiveKind string

const (
	InteractiveButtons InteractiveKind = "button"
	InteractiveList    InteractiveKind = "list"
	InteractiveCtaURL  InteractiveKind = "cta_url"
)

// InteractiveButton is one quick-reply button.
type InteractiveButton struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// InteractiveRow is one selectable row inside a list section.
type InteractiveRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// InteractiveSection groups list rows under an optional section title.
type InteractiveSection struct {
	Title string           `json:"title,omitempty"`
	Rows  []InteractiveRow `json:"rows"`
}

// InteractiveMessage is a button, list, or call-to-action URL message.
type InteractiveMessage struct {
	Kind       InteractiveKind      `json:"kind"`
	Body       string               `json:"body"`
	Header     string               `json:"header,omitempty"`
	Footer     string               `json:"footer,omitempty"`
	Buttons    []InteractiveButton  `json:"buttons,omitempty"`
	ButtonText string               `json:"button_text,omitempty"`
	Sections   []InteractiveSection `json:"sections,omitempty"`
	CtaText    string               `json:"cta_text,omitempty"`
	CtaURL     string               `json:"cta_url,omitempty"`
}

func (m InteractiveMessage) OutboundKind() OutboundKind { return OutboundInteractive }

func (m InteractiveMessage) Validate() error {
	var result *multierror.Error
	if m.Body == "" {
		result = multierror.Append(result, errors.New("interactive body is required"))
	}
	if len(m.Body) > MaxTextBodyLength {
		result = multierror.Append(result, errors.Errorf("interactive body exceeds %d characters", MaxTextBodyLength))
	}
	switch m.Kind {
	case InteractiveButtons:
		if len(m.Buttons) == 0 || len(m.Buttons) > MaxButtons {
			result = multierror.Append(result, errors.Errorf("button messages need 1-%d buttons", MaxButtons))
		}
		for _, b := range m.Buttons {
			if b.ID == "" || b.Title == "" {
				result = multierror.Append(result, errors.New("button id and title are required"))
				continue
			}
			if len(b.Title) > MaxButtonTitleLength {
				result = multierror.Append(result, errors.Errorf("button title %q exceeds %d characters", b.Title, MaxButtonTitleLength))
			}
		}
	case InteractiveList:
		if m.ButtonText == "" {
			result = multierror.Append(result, errors.New("list button text is required"))
		}
		if len(m.Sections) == 0 || len(m.Sections) > MaxListSections {
			result = multierror.Append(result, errors.Errorf("list messages need 1-%d sections", MaxListSections))
		}
		rows := 0
		for _, sec := range m.Sections {
			rows += len(sec.Rows)
			for _, row := range sec.Rows {
				if row.ID == "" || row.Title == "" {
					result = multierror.Append(result, errors.New("list row id and title are required"))
					continue
				}
				if len(row.Title) > MaxListRowTitle {
					result = multierror.Append(result, errors.Errorf("list row title %q exceeds %d characters", row.Title, MaxListRowTitle))
				}
			}
		}
		if rows == 0 || rows > MaxListRows {
			result = multierror.Append(result, errors.Errorf("list messages need 1-%d rows in total", MaxListRows))
		}
	case InteractiveCtaURL:
		if m.CtaText == "" {
			result = multierror.Append(result, errors.New("cta text is required"))
		}
		if !strings.HasPrefix(m.CtaURL, "http://") && !strings.HasPrefix(m.CtaURL, "https://") {
			result = multierror.Append(result, errors.Errorf("cta url must be http(s): %q", m.CtaURL))
		}
	default:
		result = multierror.Append(result, errors.Errorf("unknown interactive kind: %q", m.Kind))
	}
	return result.ErrorOrNil()
}

// LocationMessage shares a geographic point.
type LocationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

func (m LocationMessage) OutboundKind() OutboundKind { return OutboundLocation }

func (m LocationMessage) Validate() error {
	if m.Latitude < -90 || m.Latitude > 90 {
		return errors.Errorf("latitude out of range: %f", m.Latitude)
	}
	if m.Longitude < -180 || m.Longitude > 180 {
		return errors.Errorf("longitude out of range: %f", m.Longitude)
	}
	return nil
}

// ContactCard is one shared contact.
type ContactCard struct {
	FormattedName string   `json:"formatted_name"`
	Phones        []string `json:"phones,omitempty"`
	Emails        []string `json:"emails,omitempty"`
}

// ContactMessage shares one or more contact cards.
type ContactMessage struct {
	Contacts []ContactCard `json:"contacts"`
}

func (m ContactMessage) OutboundKind() OutboundKind { return OutboundContact }

func (m ContactMessage) Validate() error {
	if len(m.Contacts) == 0 {
		return errors.New("at least one contact is required")
	}
	for _, c := range m.Contacts {
		if c.FormattedName == "" {
			return errors.New("contact formatted name is required")
		}
	}
	return nil
}

// ReactionMessage attaches an emoji reaction to a previous message.
type ReactionMessage struct {
	TargetMessageID string `json:"target_message_id"`
	Emoji           string `json:"emoji"`
}

func (m ReactionMessage) OutboundKind() OutboundKind { return OutboundReaction }

func (m ReactionMessage) Validate() error {
	if m.TargetMessageID == "" {
		return errors.New("reaction target message id is required")
	}
	if m.Emoji == "" {
		return errors.New("reaction emoji is required")
	}
	return nil
}
