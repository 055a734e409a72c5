package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/pkg/types/messaging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		AccessToken:   "test-token",
		PhoneNumberID: "5550001111",
		BaseURL:       srv.URL,
		Attempts:      3,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func mustPhone(t *testing.T, number string) messaging.Recipient {
	t.Helper()
	r, err := messaging.NewPhoneRecipient(number)
	require.NoError(t, err)
	return r
}

func acceptedResponse(w http.ResponseWriter, messageID string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"messaging_product": "whatsapp",
		"contacts": [{"input": "15551234567", "wa_id": "15551234567"}],
		"messages": [{"id": %q, "message_status": "accepted"}]
	}`, messageID)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{PhoneNumberID: "555"}).Validate())
	assert.Error(t, (&Config{AccessToken: "tok"}).Validate())
	assert.NoError(t, (&Config{AccessToken: "tok", PhoneNumberID: "555"}).Validate())
}

func TestNewClient_AppliesDefaults(t *testing.T) {
	client, err := NewClient(Config{AccessToken: "tok", PhoneNumberID: "555", BaseURL: "https://example.test/"})
	require.NoError(t, err)

	assert.Equal(t, "https://example.test", client.config.BaseURL, "trailing slash is trimmed")
	assert.Equal(t, DefaultAPIVersion, client.config.APIVersion)
	assert.Equal(t, defaultAttempts, client.config.Attempts)
	assert.Equal(t, "https://example.test/"+DefaultAPIVersion+"/555/messages", client.phoneEndpoint("/messages"))
}

func TestClient_SendText(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/"+DefaultAPIVersion+"/5550001111/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		acceptedResponse(w, "wamid.out.1")
	})

	result, err := client.SendText(context.Background(), mustPhone(t, "15551234567"), "hello back")
	require.NoError(t, err)

	assert.Equal(t, "wamid.out.1", result.ProviderMessageID)
	assert.Equal(t, "15551234567", result.RecipientID)
	assert.Equal(t, "accepted", result.Status)
	assert.False(t, result.Timestamp.IsZero())

	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "15551234567", got["to"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, map[string]any{"body": "hello back"}, got["text"])
}

func TestClient_SendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error": {"message": "upstream hiccup", "code": 2}}`)
			return
		}
		acceptedResponse(w, "wamid.out.2")
	})

	result, err := client.SendText(context.Background(), mustPhone(t, "15551234567"), "eventually")
	require.NoError(t, err)
	assert.Equal(t, "wamid.out.2", result.ProviderMessageID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_SendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "Recipient phone number not in allowed list", "type": "OAuthException", "code": 131030, "error_data": {"details": "add the number to the allow list"}, "fbtrace_id": "Az8or2"}}`)
	})

	_, err := client.SendText(context.Background(), mustPhone(t, "15551234567"), "nope")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are terminal")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, 131030, apiErr.Code)
	assert.Equal(t, "add the number to the allow list", apiErr.Details)
	assert.Contains(t, apiErr.Error(), "Recipient phone number")
}

func TestClient_SendValidatesBeforeWire(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := client.SendText(context.Background(), mustPhone(t, "15551234567"), "")
	assert.Error(t, err)

	_, err = client.Send(context.Background(), messaging.Recipient{}, messaging.TextMessage{Body: "hi"})
	assert.Error(t, err)

	assert.Zero(t, calls.Load(), "invalid input never reaches the wire")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: &APIError{StatusCode: 429}, want: true},
		{name: "server error", err: &APIError{StatusCode: 500}, want: true},
		{name: "bad gateway", err: &APIError{StatusCode: 502}, want: true},
		{name: "bad request", err: &APIError{StatusCode: 400}, want: false},
		{name: "unauthorized", err: &APIError{StatusCode: 401}, want: false},
		{name: "wrapped api error", err: errors.Wrap(&APIError{StatusCode: 503}, "sending"), want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "transport error", err: errors.New("connection refused"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestClient_MarkRead(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"success": true}`)
	})

	require.NoError(t, client.MarkRead(context.Background(), "wamid.in.9"))
	assert.Equal(t, "read", got["status"])
	assert.Equal(t, "wamid.in.9", got["message_id"])
}

func TestClient_UploadMedia(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+DefaultAPIVersion+"/5550001111/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		assert.Equal(t, "audio/ogg", r.FormValue("type"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "note.ogg", header.Filename)
		assert.Equal(t, "audio/ogg", header.Header.Get("Content-Type"))
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "opus-bytes", string(content))

		fmt.Fprint(w, `{"id": "media-777"}`)
	})

	id, err := client.UploadMedia(context.Background(), strings.NewReader("opus-bytes"), "audio/ogg", "note.ogg")
	require.NoError(t, err)
	assert.Equal(t, "media-777", id)
}

func TestClient_DownloadMedia(t *testing.T) {
	var base string
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + DefaultAPIVersion + "/media-42":
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			fmt.Fprintf(w, `{"id": "media-42", "url": %q, "mime_type": "audio/ogg", "file_size": 11}`, base+"/cdn/media-42")
		case "/cdn/media-42":
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			fmt.Fprint(w, "voice-bytes")
		default:
			http.NotFound(w, r)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	base = srv.URL

	client, err := NewClient(Config{
		AccessToken:   "test-token",
		PhoneNumberID: "5550001111",
		BaseURL:       srv.URL,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)

	content, mimeType, err := client.DownloadMedia(context.Background(), "media-42")
	require.NoError(t, err)
	assert.Equal(t, "voice-bytes", string(content))
	assert.Equal(t, "audio/ogg", mimeType)
}
