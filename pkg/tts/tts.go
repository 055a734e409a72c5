// Package tts synthesises spoken audio for voice-note replies. The OpenAI
// implementation returns Ogg Opus, the container WhatsApp voice messages
// require.
package tts

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
)

// MaxInputLength is the provider's cap on synthesis input. Longer replies
// fall back to text.
const MaxInputLength = 4096

const (
	defaultVoice      = openai.VoiceNova
	defaultSpeed      = 1.0
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Audio is one synthesised voice clip.
type Audio struct {
	Content  []byte
	MimeType string
}

// Synthesizer converts reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// Config tunes the OpenAI speech synthesis.
type Config struct {
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Voice      string        `mapstructure:"voice" yaml:"voice"`
	Speed      float64       `mapstructure:"speed" yaml:"speed"`
	Attempts   int           `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// OpenAI synthesises speech with the OpenAI audio API.
type OpenAI struct {
	client *openai.Client
	config Config
}

// NewOpenAI validates credentials and applies defaults.
func NewOpenAI(config Config) (*OpenAI, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	if config.Model == "" {
		config.Model = string(openai.TTSModel1)
	}
	if config.Voice == "" {
		config.Voice = string(defaultVoice)
	}
	if config.Speed <= 0 {
		config.Speed = defaultSpeed
	}
	if config.Attempts <= 0 {
		config.Attempts = defaultAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Synthesize renders text as an Ogg Opus voice clip.
func (s *OpenAI) Synthesize(ctx context.Context, text string) (*Audio, error) {
	if text == "" {
		return nil, errors.New("synthesis input is empty")
	}
	if len(text) > MaxInputLength {
		return nil, errors.Errorf("synthesis input exceeds %d characters", MaxInputLength)
	}

	ctx, span := telemetry.StartSpan(ctx, "tts.synthesize",
		attribute.String("model", s.config.Model),
		attribute.String("voice", s.config.Voice),
		attribute.Int("input_length", len(text)),
	)
	defer span.End()

	request := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.config.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.config.Voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
		Speed:          s.config.Speed,
	}

	var content []byte
	err := retry.Do(
		func() error {
			response, apiErr := s.client.CreateSpeech(ctx, request)
			if apiErr != nil {
				return apiErr
			}
			defer response.Close()
			raw, readErr := io.ReadAll(response)
			if readErr != nil {
				return errors.Wrap(readErr, "reading audio stream")
			}
			content = raw
			return nil
		},
		retry.RetryIf(isRetryableError),
		retry.Attempts(uint(s.config.Attempts)),
		retry.Delay(s.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithFields(map[string]any{
				"attempt":      n + 1,
				"max_attempts": s.config.Attempts,
			}).Warn("retrying speech synthesis")
		}),
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, errors.Wrap(err, "synthesising speech")
	}
	if len(content) == 0 {
		return nil, errors.New("speech synthesis returned no audio")
	}
	span.SetAttributes(attribute.Int("bytes", len(content)))
	return &Audio{Content: content, MimeType: "audio/ogg"}, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		statusCode := apiErr.HTTPStatusCode
		return statusCode == 429 || (statusCode >= 500 && statusCode < 600)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Transport-level failures: connection refused, resets, DNS.
	return true
}
