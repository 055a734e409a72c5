package agent

import (
	"bytes"
	"context"
	"mime"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/types/messaging"
)

// MediaFetcher downloads inbound media content by provider media ID.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// Transcriber turns voice notes into text with the OpenAI audio API.
type Transcriber struct {
	client  *openai.Client
	fetcher MediaFetcher
	config  Config
}

// NewTranscriber wires the transcriber. The fetcher resolves media IDs
// from inbound messages into audio bytes.
func NewTranscriber(config Config, fetcher MediaFetcher) (*Transcriber, error) {
	if fetcher == nil {
		return nil, errors.New("media fetcher is required")
	}
	config = config.withDefaults()
	client, err := newOpenAIClient(config)
	if err != nil {
		return nil, err
	}
	return &Transcriber{client: client, fetcher: fetcher, config: config}, nil
}

// Transcribe downloads the voice media and returns its transcript.
func (t *Transcriber) Transcribe(ctx context.Context, media messaging.MediaContent) (string, error) {
	if media.MediaID == "" {
		return "", errors.New("media id is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "agent.transcribe",
		attribute.String("media_id", media.MediaID),
	)
	defer span.End()

	content, mimeType, err := t.fetcher.DownloadMedia(ctx, media.MediaID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return "", errors.Wrap(err, "fetching voice media")
	}
	if mimeType == "" {
		mimeType = media.MimeType
	}

	request := openai.AudioRequest{
		Model: openai.Whisper1,
		// FilePath only names the in-memory reader; the extension tells
		// the API which container to expect.
		FilePath: "voice" + audioExtension(mimeType),
		Reader:   bytes.NewReader(content),
	}

	var response openai.AudioResponse
	err = retry.Do(
		func() error {
			var apiErr error
			response, apiErr = t.client.CreateTranscription(ctx, request)
			return apiErr
		},
		openaiRetryOptions(ctx, t.config, "transcription")...,
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return "", errors.Wrap(err, "transcribing audio")
	}
	return strings.TrimSpace(response.Text), nil
}

// audioExtension maps the media types WhatsApp delivers voice and audio
// in to file extensions the audio API recognises.
func audioExtension(mimeType string) string {
	parsed, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".ogg"
	}
	switch parsed {
	case "audio/ogg", "application/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/aac", "audio/m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	default:
		return ".ogg"
	}
}
