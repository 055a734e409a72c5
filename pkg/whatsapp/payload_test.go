package whatsapp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/pkg/types/messaging"
)

func TestBuildSendRequest(t *testing.T) {
	to := messaging.Recipient{Identifier: "15551234567", Kind: messaging.RecipientPhone}

	tests := []struct {
		name string
		msg  messaging.OutboundMessage
		want string
	}{
		{
			name: "text",
			msg:  messaging.TextMessage{Body: "hello", PreviewURL: true},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "text",
				"text": {"body": "hello", "preview_url": true}
			}`,
		},
		{
			name: "voice note by media id",
			msg:  messaging.MediaMessage{Kind: messaging.MediaAudio, MediaID: "media-9"},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "audio",
				"audio": {"id": "media-9"}
			}`,
		},
		{
			name: "document by link with filename",
			msg: messaging.MediaMessage{
				Kind: messaging.MediaDocument, Link: "https://example.test/report.pdf",
				Caption: "Q2 numbers", Filename: "report.pdf",
			},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "document",
				"document": {"link": "https://example.test/report.pdf", "caption": "Q2 numbers", "filename": "report.pdf"}
			}`,
		},
		{
			name: "reply buttons",
			msg: messaging.InteractiveMessage{
				Kind: messaging.InteractiveButtons,
				Body: "Proceed?",
				Buttons: []messaging.InteractiveButton{
					{ID: "yes", Title: "Yes"},
					{ID: "no", Title: "No"},
				},
			},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "interactive",
				"interactive": {
					"type": "button",
					"body": {"text": "Proceed?"},
					"action": {"buttons": [
						{"type": "reply", "reply": {"id": "yes", "title": "Yes"}},
						{"type": "reply", "reply": {"id": "no", "title": "No"}}
					]}
				}
			}`,
		},
		{
			name: "list with header and footer",
			msg: messaging.InteractiveMessage{
				Kind:       messaging.InteractiveList,
				Body:       "Pick a slot",
				Header:     "Appointments",
				Footer:     "Slots refresh daily",
				ButtonText: "View slots",
				Sections: []messaging.InteractiveSection{{
					Title: "Morning",
					Rows:  []messaging.InteractiveRow{{ID: "s1", Title: "9:00", Description: "30 minutes"}},
				}},
			},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "interactive",
				"interactive": {
					"type": "list",
					"header": {"type": "text", "text": "Appointments"},
					"body": {"text": "Pick a slot"},
					"footer": {"text": "Slots refresh daily"},
					"action": {
						"button": "View slots",
						"sections": [{"title": "Morning", "rows": [{"id": "s1", "title": "9:00", "description": "30 minutes"}]}]
					}
				}
			}`,
		},
		{
			name: "cta url",
			msg: messaging.InteractiveMessage{
				Kind:    messaging.InteractiveCtaURL,
				Body:    "Full details on the site",
				CtaText: "Open",
				CtaURL:  "https://example.test/details",
			},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "interactive",
				"interactive": {
					"type": "cta_url",
					"body": {"text": "Full details on the site"},
					"action": {"name": "cta_url", "parameters": {"display_text": "Open", "url": "https://example.test/details"}}
				}
			}`,
		},
		{
			name: "template",
			msg: messaging.TemplateMessage{
				Name: "appointment_reminder", Language: "en_US",
				Components: []messaging.TemplateComponent{{
					Type:       "body",
					Parameters: []messaging.TemplateParameter{{Type: "text", Text: "Tuesday"}},
				}},
			},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "template",
				"template": {
					"name": "appointment_reminder",
					"language": {"code": "en_US"},
					"components": [{"type": "body", "parameters": [{"type": "text", "text": "Tuesday"}]}]
				}
			}`,
		},
		{
			name: "location",
			msg:  messaging.LocationMessage{Latitude: 52.370216, Longitude: 4.895168, Name: "Office"},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "location",
				"location": {"latitude": 52.370216, "longitude": 4.895168, "name": "Office"}
			}`,
		},
		{
			name: "contacts",
			msg: messaging.ContactMessage{Contacts: []messaging.ContactCard{{
				FormattedName: "Jane Doe",
				Phones:        []string{"15550009999"},
			}}},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "contacts",
				"contacts": [{
					"name": {"formatted_name": "Jane Doe", "first_name": "Jane Doe"},
					"phones": [{"phone": "15550009999"}]
				}]
			}`,
		},
		{
			name: "reaction",
			msg:  messaging.ReactionMessage{TargetMessageID: "wamid.in.5", Emoji: "👍"},
			want: `{
				"messaging_product": "whatsapp",
				"recipient_type": "individual",
				"to": "15551234567",
				"type": "reaction",
				"reaction": {"message_id": "wamid.in.5", "emoji": "👍"}
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := buildSendRequest(to, tt.msg)
			require.NoError(t, err)

			encoded, err := json.Marshal(req)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(encoded))
		})
	}
}
