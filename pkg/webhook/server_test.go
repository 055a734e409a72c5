package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warelay/warelay/pkg/types/messaging"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	msgs     []messaging.IncomingMessageEvent
	statuses []messaging.MessageStatusEvent
}

func (f *fakeDispatcher) DispatchMessage(_ context.Context, event messaging.IncomingMessageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, event)
	return nil
}

func (f *fakeDispatcher) DispatchStatus(_ context.Context, event messaging.MessageStatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, event)
}

func (f *fakeDispatcher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs), len(f.statuses)
}

func (f *fakeDispatcher) message(i int) messaging.IncomingMessageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[i]
}

func (f *fakeDispatcher) status(i int) messaging.MessageStatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[i]
}

func testConfig() *ServerConfig {
	return &ServerConfig{
		Host:        "127.0.0.1",
		Port:        8084,
		VerifyToken: "verify-me",
		AppSecret:   "app-secret",
	}
}

func newTestServer(t *testing.T, config *ServerConfig) (*Server, *fakeDispatcher) {
	t.Helper()
	dispatcher := &fakeDispatcher{}
	s, err := NewServer(config, dispatcher)
	require.NoError(t, err)
	return s, dispatcher
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postEvent(s *Server, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

const textPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
        "contacts": [{"profile": {"name": "Ada"}, "wa_id": "15551234567"}],
        "messages": [{
          "from": "15551234567",
          "id": "wamid.HBgLMTU1NTEyMzQ1NjcVAgASGBQzQTdCRjc0MA==",
          "timestamp": "1717243200",
          "type": "text",
          "text": {"body": "hello gateway"}
        }]
      }
    }]
  }]
}`

const statusPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
        "statuses": [{
          "id": "wamid.outbound.1",
          "status": "delivered",
          "timestamp": "1717243260",
          "recipient_id": "15551234567",
          "conversation": {"id": "conv-88"},
          "pricing": {"billable": true, "category": "service", "pricing_model": "CBP"}
        }]
      }
    }]
  }]
}`

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*ServerConfig) {}},
		{name: "empty host", mutate: func(c *ServerConfig) { c.Host = "" }, wantErr: "host"},
		{name: "port zero", mutate: func(c *ServerConfig) { c.Port = 0 }, wantErr: "port"},
		{name: "port too high", mutate: func(c *ServerConfig) { c.Port = 70000 }, wantErr: "port"},
		{name: "missing verify token", mutate: func(c *ServerConfig) { c.VerifyToken = "" }, wantErr: "verify token"},
		{name: "relative path", mutate: func(c *ServerConfig) { c.Path = "webhook" }, wantErr: "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestServer_VerificationHandshake(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "valid handshake echoes the challenge",
			query:      "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444",
			wantStatus: http.StatusOK,
			wantBody:   "1158201444",
		},
		{
			name:       "wrong token",
			query:      "hub.mode=subscribe&hub.verify_token=guess&hub.challenge=123",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong mode",
			query:      "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=123",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing challenge",
			query:      "hub.mode=subscribe&hub.verify_token=verify-me",
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, testConfig())
			req := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil)
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestServer_AcceptsSignedEvent(t *testing.T) {
	s, dispatcher := newTestServer(t, testConfig())
	body := []byte(textPayload)

	rec := postEvent(s, body, sign("app-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		msgs, _ := dispatcher.counts()
		return msgs == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := dispatcher.message(0)
	assert.Equal(t, "wamid.HBgLMTU1NTEyMzQ1NjcVAgASGBQzQTdCRjc0MA==", event.MessageID)
	assert.Equal(t, "15551234567", event.SenderID)
	assert.Equal(t, "Ada", event.SenderName)
	assert.Equal(t, messaging.IncomingText, event.Kind)
	assert.Equal(t, "hello gateway", event.Text)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), event.Timestamp)
}

func TestServer_RejectsBadSignature(t *testing.T) {
	s, dispatcher := newTestServer(t, testConfig())
	body := []byte(textPayload)

	rec := postEvent(s, body, sign("wrong-secret", body))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postEvent(s, body, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Never(t, func() bool {
		msgs, statuses := dispatcher.counts()
		return msgs > 0 || statuses > 0
	}, 100*time.Millisecond, 20*time.Millisecond)
}

func TestServer_SkipsSignatureWithoutSecret(t *testing.T) {
	config := testConfig()
	config.AppSecret = ""
	s, dispatcher := newTestServer(t, config)

	rec := postEvent(s, []byte(textPayload), "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		msgs, _ := dispatcher.counts()
		return msgs == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_DeliversStatusEvents(t *testing.T) {
	s, dispatcher := newTestServer(t, testConfig())
	body := []byte(statusPayload)

	rec := postEvent(s, body, sign("app-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, statuses := dispatcher.counts()
		return statuses == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := dispatcher.status(0)
	assert.Equal(t, "wamid.outbound.1", event.MessageID)
	assert.Equal(t, messaging.StatusDelivered, event.Status)
	assert.Equal(t, "15551234567", event.RecipientID)
	assert.Equal(t, "conv-88", event.ConversationID)
	require.NotNil(t, event.Pricing)
	assert.True(t, event.Pricing.Billable)
	assert.Equal(t, "CBP", event.Pricing.PricingModel)
}

func TestServer_MalformedPayload(t *testing.T) {
	s, dispatcher := newTestServer(t, testConfig())
	body := []byte(`{"object": "whatsapp_business_account", "entry": [`)

	rec := postEvent(s, body, sign("app-secret", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	msgs, statuses := dispatcher.counts()
	assert.Zero(t, msgs)
	assert.Zero(t, statuses)
}

func TestServer_IgnoresForeignObjects(t *testing.T) {
	s, dispatcher := newTestServer(t, testConfig())
	body := []byte(`{"object": "page", "entry": []}`)

	rec := postEvent(s, body, sign("app-secret", body))
	assert.Equal(t, http.StatusOK, rec.Code)

	msgs, statuses := dispatcher.counts()
	assert.Zero(t, msgs)
	assert.Zero(t, statuses)
}

func TestServer_RejectsOversizedBody(t *testing.T) {
	config := testConfig()
	config.MaxBodyBytes = 64
	s, _ := newTestServer(t, config)
	body := []byte(textPayload)

	rec := postEvent(s, body, sign("app-secret", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}
