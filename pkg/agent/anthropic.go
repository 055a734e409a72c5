package agent

import (
	"context"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/telemetry"
)

type anthropicAgent struct {
	client  anthropic.Client
	model   anthropic.Model
	config  Config
	history *history
}

// newAnthropicAgent builds the Anthropic provider. Transient API failures
// are retried inside the SDK, so there is no retry wrapper here.
func newAnthropicAgent(config Config) (*anthropicAgent, error) {
	if config.APIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is not set")
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(config.Attempts - 1),
	}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	model := anthropic.Model(config.Model)
	if config.Model == "" {
		model = anthropic.ModelClaude3_7SonnetLatest
	}

	return &anthropicAgent{
		client:  anthropic.NewClient(opts...),
		model:   model,
		config:  config,
		history: newHistory(config.MaxHistory),
	}, nil
}

func (a *anthropicAgent) Interact(ctx context.Context, userID, prompt string) (*Reply, error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.interact",
		attribute.String("provider", ProviderAnthropic),
		attribute.String("model", string(a.model)),
	)
	defer span.End()

	var messages []anthropic.MessageParam
	for _, ex := range a.history.snapshot(userID) {
		messages = append(messages,
			anthropic.NewUserMessage(anthropic.NewTextBlock(ex.Prompt)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(ex.Response)),
		)
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	response, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(a.config.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: a.config.SystemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, errors.Wrap(err, "calling Anthropic")
	}

	var text strings.Builder
	for _, block := range response.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		}
	}
	reply := strings.TrimSpace(text.String())
	if reply == "" {
		return nil, errors.New("Anthropic returned an empty reply")
	}

	a.history.record(userID, prompt, reply)
	return &Reply{Text: reply, Model: string(response.Model)}, nil
}
