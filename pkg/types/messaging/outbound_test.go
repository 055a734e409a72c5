package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextMessage_Validate(t *testing.T) {
	assert.NoError(t, TextMessage{Body: "hello"}.Validate())
	assert.NoError(t, TextMessage{Body: strings.Repeat("a", MaxTextBodyLength)}.Validate())
	assert.Error(t, TextMessage{}.Validate())
	assert.Error(t, TextMessage{Body: strings.Repeat("a", MaxTextBodyLength+1)}.Validate())
}

func TestMediaMessage_Validate(t *testing.T) {
	assert.NoError(t, MediaMessage{Kind: MediaImage, MediaID: "m1", Caption: "sunset"}.Validate())
	assert.NoError(t, MediaMessage{Kind: MediaAudio, MediaID: "m2"}.Validate())
	assert.NoError(t, MediaMessage{Kind: MediaDocument, Link: "https://example.com/a.pdf", Filename: "a.pdf"}.Validate())

	assert.Error(t, MediaMessage{Kind: MediaImage}.Validate(), "neither media_id nor link")
	assert.Error(t, MediaMessage{Kind: MediaImage, MediaID: "m1", Link: "https://x"}.Validate(), "both media_id and link")
	assert.Error(t, MediaMessage{Kind: MediaKind("hologram"), MediaID: "m1"}.Validate())
	assert.Error(t, MediaMessage{Kind: MediaAudio, MediaID: "m1", Caption: "no"}.Validate(), "audio rejects captions")
	assert.Error(t, MediaMessage{Kind: MediaImage, MediaID: "m1", Filename: "x.png"}.Validate(), "only documents carry filenames")
	assert.Error(t, MediaMessage{Kind: MediaImage, MediaID: "m1", Caption: strings.Repeat("c", MaxCaptionLength+1)}.Validate())
}

func TestInteractiveMessage_Validate(t *testing.T) {
	buttons := InteractiveMessage{
		Kind: InteractiveButtons,
		Body: "pick one",
		Buttons: []InteractiveButton{
			{ID: "a", Title: "Option A"},
			{ID: "b", Title: "Option B"},
		},
	}
	assert.NoError(t, buttons.Validate())

	tooMany := buttons
	tooMany.Buttons = append(tooMany.Buttons,
		InteractiveButton{ID: "c", Title: "C"},
		InteractiveButton{ID: "d", Title: "D"},
	)
	assert.Error(t, tooMany.Validate())

	longTitle := buttons
	longTitle.Buttons = []InteractiveButton{{ID: "a", Title: strings.Repeat("t", MaxButtonTitleLength+1)}}
	assert.Error(t, longTitle.Validate())

	list := InteractiveMessage{
		Kind:       InteractiveList,
		Body:       "menu",
		ButtonText: "Open",
		Sections: []InteractiveSection{
			{Title: "Mains", Rows: []InteractiveRow{{ID: "1", Title: "Soup"}}},
		},
	}
	assert.NoError(t, list.Validate())

	emptyList := list
	emptyList.Sections = nil
	assert.Error(t, emptyList.Validate())

	cta := InteractiveMessage{Kind: InteractiveCtaURL, Body: "see more", CtaText: "Visit", CtaURL: "https://example.com"}
	assert.NoError(t, cta.Validate())
	cta.CtaURL = "ftp://example.com"
	assert.Error(t, cta.Validate())
}

func TestLocationMessage_Validate(t *testing.T) {
	assert.NoError(t, LocationMessage{Latitude: 52.52, Longitude: 13.405}.Validate())
	assert.Error(t, LocationMessage{Latitude: 91, Longitude: 0}.Validate())
	assert.Error(t, LocationMessage{Latitude: 0, Longitude: -181}.Validate())
}

func TestContactAndReaction_Validate(t *testing.T) {
	assert.NoError(t, ContactMessage{Contacts: []ContactCard{{FormattedName: "Ada Lovelace"}}}.Validate())
	assert.Error(t, ContactMessage{}.Validate())
	assert.Error(t, ContactMessage{Contacts: []ContactCard{{}}}.Validate())

	assert.NoError(t, ReactionMessage{TargetMessageID: "wamid.1", Emoji: "👍"}.Validate())
	assert.Error(t, ReactionMessage{Emoji: "👍"}.Validate())
	assert.Error(t, ReactionMessage{TargetMessageID: "wamid.1"}.Validate())
}

func TestTemplateMessage_Validate(t *testing.T) {
	assert.NoError(t, TemplateMessage{Name: "order_update", Language: "en"}.Validate())
	assert.Error(t, TemplateMessage{Language: "en"}.Validate())
	assert.Error(t, TemplateMessage{Name: "order_update"}.Validate())
}

func TestMessage_Validate(t *testing.T) {
	assert.NoError(t, Message{MessageID: "m1", UserID: "u1", Content: "hi"}.Validate())
	assert.Error(t, Message{UserID: "u1"}.Validate())
	assert.Error(t, Message{MessageID: "m1"}.Validate())
}
