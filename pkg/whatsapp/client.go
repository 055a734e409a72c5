// Package whatsapp is the outbound WhatsApp Cloud API transport: sending
// messages, uploading and downloading media, and read receipts. It is the
// only package that speaks the Graph API wire format; callers hand it the
// typed outbound payloads and recipients.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/types/messaging"
)

const (
	// DefaultBaseURL is the Graph API origin.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultAPIVersion tracks the Cloud API version the payloads are
	// written against.
	DefaultAPIVersion = "v21.0"

	defaultTimeout  = 30 * time.Second
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	maxRetryDelay   = 10 * time.Second

	// maxResponseBytes bounds how much of an API response is read.
	maxResponseBytes = 1 << 20
)

// Config holds the Cloud API credentials and tuning.
type Config struct {
	AccessToken   string        `mapstructure:"access_token" yaml:"access_token"`
	PhoneNumberID string        `mapstructure:"phone_number_id" yaml:"phone_number_id"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	APIVersion    string        `mapstructure:"api_version" yaml:"api_version"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts      int           `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// Validate checks the required credentials.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return errors.New("access token is required")
	}
	if c.PhoneNumberID == "" {
		return errors.New("phone number id is required")
	}
	return nil
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// Client is a WhatsApp Cloud API client.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient validates the configuration and applies defaults.
func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid whatsapp configuration")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Attempts <= 0 {
		config.Attempts = defaultAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultDelay
	}

	c := &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendResult reports one accepted outbound message.
type SendResult struct {
	ProviderMessageID string
	RecipientID       string
	Status            string
	Timestamp         time.Time
}

// Send delivers one outbound message and returns the provider message ID.
// Transient failures (429 and 5xx) are retried with exponential backoff.
func (c *Client) Send(ctx context.Context, to messaging.Recipient, msg messaging.OutboundMessage) (*SendResult, error) {
	if err := to.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid recipient")
	}
	if err := msg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s message", msg.OutboundKind())
	}
	payload, err := buildSendRequest(to, msg)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "whatsapp.send",
		attribute.String("kind", string(msg.OutboundKind())),
	)
	defer span.End()

	var response sendResponse
	err = retry.Do(
		func() error {
			response = sendResponse{}
			return c.doJSON(ctx, http.MethodPost, c.phoneEndpoint("/messages"), payload, &response)
		},
		c.retryOptions(ctx, "send")...,
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, errors.Wrap(err, "sending message")
	}

	result := &SendResult{Status: "accepted", Timestamp: time.Now()}
	if len(response.Messages) > 0 {
		result.ProviderMessageID = response.Messages[0].ID
		if response.Messages[0].MessageStatus != "" {
			result.Status = response.Messages[0].MessageStatus
		}
	}
	if len(response.Contacts) > 0 {
		result.RecipientID = response.Contacts[0].WaID
	}
	span.SetAttributes(attribute.String("provider_message_id", result.ProviderMessageID))
	return result, nil
}

// SendText is the common case: one plain text message.
func (c *Client) SendText(ctx context.Context, to messaging.Recipient, body string) (*SendResult, error) {
	return c.Send(ctx, to, messaging.TextMessage{Body: body})
}

// MarkRead sends a read receipt for an inbound message. Best effort, no
// retries.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	payload := markReadRequest{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}
	if err := c.doJSON(ctx, http.MethodPost, c.phoneEndpoint("/messages"), payload, nil); err != nil {
		return errors.Wrap(err, "marking message read")
	}
	return nil
}

func (c *Client) retryOptions(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.RetryIf(isRetryableError),
		retry.Attempts(uint(c.config.Attempts)),
		retry.Delay(c.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithFields(map[string]any{
				"attempt":      n + 1,
				"max_attempts": c.config.Attempts,
			}).Warn("retrying WhatsApp " + op)
		}),
	}
}

// isRetryableError treats rate limiting and server errors as transient.
// Client errors (bad recipient, malformed payload) never heal on retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.StatusCode >= 500 && apiErr.StatusCode < 600
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Transport-level failures: connection refused, resets, DNS.
	return true
}

func (c *Client) phoneEndpoint(path string) string {
	return c.config.BaseURL + "/" + c.config.APIVersion + "/" + c.config.PhoneNumberID + path
}

func (c *Client) versionEndpoint(path string) string {
	return c.config.BaseURL + "/" + c.config.APIVersion + path
}

// doJSON performs one authenticated JSON round trip against the Graph API
// and decodes the response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling graph api")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "reading graph api response")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "decoding graph api response")
		}
	}
	return nil
}

// APIError is a non-2xx Graph API response.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	Details    string
	TraceID    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("graph api error: status ")
	b.WriteString(strconv.Itoa(e.StatusCode))
	if e.Code != 0 {
		b.WriteString(", code ")
		b.WriteString(strconv.Itoa(e.Code))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	return b.String()
}

type apiErrorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
		TraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func decodeAPIError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Subcode = body.Error.Subcode
		apiErr.Type = body.Error.Type
		apiErr.Message = body.Error.Message
		apiErr.Details = body.Error.ErrorData.Details
		apiErr.TraceID = body.Error.TraceID
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
