package whatsapp

import (
	"github.com/pkg/errors"

	"github.com/warelay/warelay/pkg/types/messaging"
)

// sendRequest is the Cloud API /messages envelope. Exactly one payload
// pointer matching Type is set.
type sendRequest struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type,omitempty"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             *textPayload        `json:"text,omitempty"`
	Image            *mediaPayload       `json:"image,omitempty"`
	Video            *mediaPayload       `json:"video,omitempty"`
	Audio            *mediaPayload       `json:"audio,omitempty"`
	Document         *mediaPayload       `json:"document,omitempty"`
	Sticker          *mediaPayload       `json:"sticker,omitempty"`
	Template         *templatePayload    `json:"template,omitempty"`
	Interactive      *interactivePayload `json:"interactive,omitempty"`
	Location         *locationPayload    `json:"location,omitempty"`
	Contacts         []contactPayload    `json:"contacts,omitempty"`
	Reaction         *reactionPayload    `json:"reaction,omitempty"`
}

type markReadRequest struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

type textPayload struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type mediaPayload struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type templatePayload struct {
	Name       string             `json:"name"`
	Language   languagePayload    `json:"language"`
	Components []componentPayload `json:"components,omitempty"`
}

type languagePayload struct {
	Code string `json:"code"`
}

type componentPayload struct {
	Type       string             `json:"type"`
	Parameters []parameterPayload `json:"parameters,omitempty"`
}

type parameterPayload struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type interactivePayload struct {
	Type   string         `json:"type"`
	Header *headerPayload `json:"header,omitempty"`
	Body   bodyPayload    `json:"body"`
	Footer *footerPayload `json:"footer,omitempty"`
	Action actionPayload  `json:"action"`
}

type headerPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bodyPayload struct {
	Text string `json:"text"`
}

type footerPayload struct {
	Text string `json:"text"`
}

type actionPayload struct {
	Buttons    []buttonPayload  `json:"buttons,omitempty"`
	Button     string           `json:"button,omitempty"`
	Sections   []sectionPayload `json:"sections,omitempty"`
	Name       string           `json:"name,omitempty"`
	Parameters *ctaParameters   `json:"parameters,omitempty"`
}

type buttonPayload struct {
	Type  string       `json:"type"`
	Reply replyPayload `json:"reply"`
}

type replyPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type sectionPayload struct {
	Title string       `json:"title,omitempty"`
	Rows  []rowPayload `json:"rows"`
}

type rowPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ctaParameters struct {
	DisplayText string `json:"display_text"`
	URL         string `json:"url"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type contactPayload struct {
	Name   contactNamePayload    `json:"name"`
	Phones []contactPhonePayload `json:"phones,omitempty"`
	Emails []contactEmailPayload `json:"emails,omitempty"`
}

type contactNamePayload struct {
	FormattedName string `json:"formatted_name"`
	FirstName     string `json:"first_name"`
}

type contactPhonePayload struct {
	Phone string `json:"phone"`
}

type contactEmailPayload struct {
	Email string `json:"email"`
}

type reactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type sendResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status,omitempty"`
	} `json:"messages"`
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
}

// buildSendRequest maps a validated outbound message onto the wire
// envelope.
func buildSendRequest(to messaging.Recipient, msg messaging.OutboundMessage) (*sendRequest, error) {
	req := &sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to.Identifier,
	}

	switch m := msg.(type) {
	case messaging.TextMessage:
		req.Type = "text"
		req.Text = &textPayload{Body: m.Body, PreviewURL: m.PreviewURL}

	case messaging.MediaMessage:
		req.Type = string(m.Kind)
		payload := &mediaPayload{
			ID:       m.MediaID,
			Link:     m.Link,
			Caption:  m.Caption,
			Filename: m.Filename,
		}
		switch m.Kind {
		case messaging.MediaImage:
			req.Image = payload
		case messaging.MediaVideo:
			req.Video = payload
		case messaging.MediaAudio:
			req.Audio = payload
		case messaging.MediaDocument:
			req.Document = payload
		case messaging.MediaSticker:
			req.Sticker = payload
		default:
			return nil, errors.Errorf("unknown media kind: %q", m.Kind)
		}

	case messaging.TemplateMessage:
		req.Type = "template"
		tmpl := &templatePayload{
			Name:     m.Name,
			Language: languagePayload{Code: m.Language},
		}
		for _, comp := range m.Components {
			wire := componentPayload{Type: comp.Type}
			for _, param := range comp.Parameters {
				wire.Parameters = append(wire.Parameters, parameterPayload{Type: param.Type, Text: param.Text})
			}
			tmpl.Components = append(tmpl.Components, wire)
		}
		req.Template = tmpl

	case messaging.InteractiveMessage:
		req.Type = "interactive"
		interactive, err := buildInteractive(m)
		if err != nil {
			return nil, err
		}
		req.Interactive = interactive

	case messaging.LocationMessage:
		req.Type = "location"
		req.Location = &locationPayload{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Name:      m.Name,
			Address:   m.Address,
		}

	case messaging.ContactMessage:
		req.Type = "contacts"
		for _, card := range m.Contacts {
			wire := contactPayload{
				Name: contactNamePayload{FormattedName: card.FormattedName, FirstName: card.FormattedName},
			}
			for _, phone := range card.Phones {
				wire.Phones = append(wire.Phones, contactPhonePayload{Phone: phone})
			}
			for _, email := range card.Emails {
				wire.Emails = append(wire.Emails, contactEmailPayload{Email: email})
			}
			req.Contacts = append(req.Contacts, wire)
		}

	case messaging.ReactionMessage:
		req.Type = "reaction"
		req.Reaction = &reactionPayload{MessageID: m.TargetMessageID, Emoji: m.Emoji}

	default:
		return nil, errors.Errorf("unsupported outbound message type %T", msg)
	}

	return req, nil
}

func buildInteractive(m messaging.InteractiveMessage) (*interactivePayload, error) {
	payload := &interactivePayload{
		Type: string(m.Kind),
		Body: bodyPayload{Text: m.Body},
	}
	if m.Header != "" {
		payload.Header = &headerPayload{Type: "text", Text: m.Header}
	}
	if m.Footer != "" {
		payload.Footer = &footerPayload{Text: m.Footer}
	}

	switch m.Kind {
	case messaging.InteractiveButtons:
		for _, b := range m.Buttons {
			payload.Action.Buttons = append(payload.Action.Buttons, buttonPayload{
				Type:  "reply",
				Reply: replyPayload{ID: b.ID, Title: b.Title},
			})
		}
	case messaging.InteractiveList:
		payload.Action.Button = m.ButtonText
		for _, sec := range m.Sections {
			wire := sectionPayload{Title: sec.Title}
			for _, row := range sec.Rows {
				wire.Rows = append(wire.Rows, rowPayload{ID: row.ID, Title: row.Title, Description: row.Description})
			}
			payload.Action.Sections = append(payload.Action.Sections, wire)
		}
	case messaging.InteractiveCtaURL:
		payload.Action.Name = "cta_url"
		payload.Action.Parameters = &ctaParameters{DisplayText: m.CtaText, URL: m.CtaURL}
	default:
		return nil, errors.Errorf("unknown interactive kind: %q", m.Kind)
	}
	return payload, nil
}
